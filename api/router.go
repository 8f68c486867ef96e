// Package api routes catalog requests. A request is a method, a path and a
// JSON body; the response is a status code and a JSON body that is either the
// resource or {"message": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacentio/pizzeria/catalog"
)

// Pizzas is the pizza service the router dispatches to.
type Pizzas interface {
	Add(ctx context.Context, in catalog.PizzaInput) (catalog.Pizza, error)
	List(ctx context.Context) ([]catalog.Pizza, error)
	Update(ctx context.Context, id string, in catalog.PizzaInput) (catalog.Pizza, error)
	Delete(ctx context.Context, id string) error
}

// Toppings is the topping service the router dispatches to.
type Toppings interface {
	Add(ctx context.Context, in catalog.ToppingInput) (catalog.Topping, error)
	List(ctx context.Context) ([]catalog.Topping, error)
	Update(ctx context.Context, id string, in catalog.ToppingInput) (catalog.Topping, error)
	Delete(ctx context.Context, id string) error
}

// Request is one inbound call.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Response is the reply to a Request.
type Response struct {
	Status int
	Body   []byte
}

type message struct {
	Message string `json:"message"`
}

type handlerFunc func(ctx context.Context, body []byte) (any, error)

type route struct {
	method  string
	path    string
	name    string
	handler handlerFunc
}

// Router dispatches requests on method and path substring. It holds no
// per-request state.
type Router struct {
	routes   []route
	validate *validator.Validate
	logger   zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the request logger. The global logger is used otherwise.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds the dispatch table.
func NewRouter(pizzas Pizzas, toppings Toppings, opts ...Option) *Router {
	r := &Router{
		validate: newValidator(),
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	// "/toppings" is matched first so a path naming both resources goes to
	// the more specific one.
	r.routes = []route{
		{http.MethodGet, "/toppings", "listToppings", r.listToppings(toppings)},
		{http.MethodPost, "/toppings", "addTopping", r.addTopping(toppings)},
		{http.MethodPut, "/toppings", "updateTopping", r.updateTopping(toppings)},
		{http.MethodDelete, "/toppings", "deleteTopping", r.deleteTopping(toppings)},
		{http.MethodGet, "/pizzas", "listPizzas", r.listPizzas(pizzas)},
		{http.MethodPost, "/pizzas", "addPizza", r.addPizza(pizzas)},
		{http.MethodPut, "/pizzas", "updatePizza", r.updatePizza(pizzas)},
		{http.MethodDelete, "/pizzas", "deletePizza", r.deletePizza(pizzas)},
	}
	return r
}

// Handle serves one request.
func (r *Router) Handle(ctx context.Context, req Request) Response {
	start := time.Now()

	resp := r.dispatch(ctx, req)

	r.logger.Info().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.Status).
		Dur("duration", time.Since(start)).
		Msg("request")
	return resp
}

func (r *Router) dispatch(ctx context.Context, req Request) Response {
	method := strings.ToUpper(req.Method)
	for _, rt := range r.routes {
		if rt.method != method || !strings.Contains(req.Path, rt.path) {
			continue
		}
		result, err := rt.handler(ctx, req.Body)
		if err != nil {
			return r.errorResponse(rt.name, err)
		}
		return respond(http.StatusOK, result)
	}
	return respond(http.StatusBadRequest, message{Message: "invalid request"})
}

// errorResponse maps the catalog error taxonomy to a status. Anything not in
// the taxonomy is treated as an infrastructure failure.
func (r *Router) errorResponse(op string, err error) Response {
	var (
		validationErr *catalog.ValidationError
		duplicateErr  *catalog.DuplicateError
		notFoundErr   *catalog.NotFoundError
		conflictErr   *catalog.ConflictError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &duplicateErr), errors.As(err, &notFoundErr):
		return respond(http.StatusBadRequest, message{Message: err.Error()})
	case errors.As(err, &conflictErr):
		return respond(http.StatusConflict, message{Message: err.Error()})
	}

	r.logger.Error().Err(err).Str("op", op).Msg("request failed")
	return respond(http.StatusInternalServerError, message{Message: "internal error"})
}

func respond(status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Response{
			Status: http.StatusInternalServerError,
			Body:   []byte(`{"message":"internal error"}`),
		}
	}
	return Response{Status: status, Body: body}
}

func (r *Router) listPizzas(svc Pizzas) handlerFunc {
	return func(ctx context.Context, _ []byte) (any, error) {
		return svc.List(ctx)
	}
}

func (r *Router) addPizza(svc Pizzas) handlerFunc {
	return func(ctx context.Context, body []byte) (any, error) {
		var in createPizzaRequest
		if err := decode(r.validate, body, &in); err != nil {
			return nil, err
		}
		return svc.Add(ctx, catalog.PizzaInput{Name: in.Name, Toppings: in.Toppings})
	}
}

func (r *Router) updatePizza(svc Pizzas) handlerFunc {
	return func(ctx context.Context, body []byte) (any, error) {
		var in updatePizzaRequest
		if err := decode(r.validate, body, &in); err != nil {
			return nil, err
		}
		return svc.Update(ctx, in.ID, catalog.PizzaInput{Name: in.Name, Toppings: in.Toppings})
	}
}

func (r *Router) deletePizza(svc Pizzas) handlerFunc {
	return func(ctx context.Context, body []byte) (any, error) {
		var in deleteRequest
		if err := decode(r.validate, body, &in); err != nil {
			return nil, err
		}
		if err := svc.Delete(ctx, in.ID); err != nil {
			return nil, err
		}
		return message{Message: "pizza deleted"}, nil
	}
}

func (r *Router) listToppings(svc Toppings) handlerFunc {
	return func(ctx context.Context, _ []byte) (any, error) {
		return svc.List(ctx)
	}
}

func (r *Router) addTopping(svc Toppings) handlerFunc {
	return func(ctx context.Context, body []byte) (any, error) {
		var in createToppingRequest
		if err := decode(r.validate, body, &in); err != nil {
			return nil, err
		}
		return svc.Add(ctx, catalog.ToppingInput{Name: in.Name, PizzaID: in.PizzaID})
	}
}

func (r *Router) updateTopping(svc Toppings) handlerFunc {
	return func(ctx context.Context, body []byte) (any, error) {
		var in updateToppingRequest
		if err := decode(r.validate, body, &in); err != nil {
			return nil, err
		}
		return svc.Update(ctx, in.ID, catalog.ToppingInput{Name: in.Name, PizzaID: in.PizzaID})
	}
}

func (r *Router) deleteTopping(svc Toppings) handlerFunc {
	return func(ctx context.Context, body []byte) (any, error) {
		var in deleteRequest
		if err := decode(r.validate, body, &in); err != nil {
			return nil, err
		}
		if err := svc.Delete(ctx, in.ID); err != nil {
			return nil, err
		}
		return message{Message: "topping deleted"}, nil
	}
}
