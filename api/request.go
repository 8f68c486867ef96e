package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jacentio/pizzeria/catalog"
)

// Request bodies. Each route accepts exactly one of these shapes.
type (
	createPizzaRequest struct {
		Name     string   `json:"name" validate:"required"`
		Toppings []string `json:"toppings" validate:"required,min=1,dive,required"`
	}

	updatePizzaRequest struct {
		ID       string   `json:"id" validate:"required"`
		Name     string   `json:"name" validate:"required"`
		Toppings []string `json:"toppings" validate:"required,min=1,dive,required"`
	}

	createToppingRequest struct {
		Name    string `json:"name" validate:"required"`
		PizzaID string `json:"pizzaId,omitempty"`
	}

	updateToppingRequest struct {
		ID      string `json:"id" validate:"required"`
		Name    string `json:"name" validate:"required"`
		PizzaID string `json:"pizzaId,omitempty"`
	}

	deleteRequest struct {
		ID string `json:"id" validate:"required"`
	}
)

// fieldMessages maps a failed field to the message the client sees.
var fieldMessages = map[string]string{
	"name":     "name required",
	"toppings": "at least one topping required",
	"id":       "id required",
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads body strictly into dst and validates it. An empty body is
// treated as an empty object so missing fields are reported by name.
func decode(v *validator.Validate, body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &catalog.ValidationError{Message: "invalid request body"}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &catalog.ValidationError{Message: "invalid request body"}
	}

	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &catalog.ValidationError{Message: fieldMessage(verrs[0])}
		}
		return &catalog.ValidationError{Message: "invalid request"}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	if strings.HasPrefix(field, "toppings[") {
		return "topping id required"
	}
	if msg, ok := fieldMessages[field]; ok {
		return msg
	}
	return "invalid " + field
}
