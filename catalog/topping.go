package catalog

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/rs/zerolog"

	"github.com/jacentio/pizzeria/store"
)

const toppingType = "topping"

// Topping is a named ingredient. PizzaID is set for toppings that belong to
// a single pizza and is fixed at creation.
type Topping struct {
	ID      string `json:"id" dynamodbav:"id"`
	Name    string `json:"name" dynamodbav:"name"`
	PizzaID string `json:"pizzaId,omitempty" dynamodbav:"pizza_id,omitempty"`
}

// ToppingInput carries the caller controlled fields of a topping.
type ToppingInput struct {
	Name    string
	PizzaID string
}

type toppingEntity struct {
	Topping
	tables Tables
}

func (e toppingEntity) TableName() string  { return e.tables.Toppings }
func (e toppingEntity) GetKey() store.PK   { return store.IDKey(e.ID) }
func (e toppingEntity) EntityRef() string  { return toppingType + "#" + e.ID }
func (e toppingEntity) EntityType() string { return toppingType }

func (e toppingEntity) UniqueFields() map[string]string {
	return map[string]string{"name": NormalizeName(e.Name)}
}

func (e toppingEntity) ParentCheck() *store.ConditionCheck {
	if e.PizzaID == "" {
		return nil
	}
	return &store.ConditionCheck{TableName: e.tables.Pizzas, Key: store.IDKey(e.PizzaID)}
}

func (e toppingEntity) ParentRef() string {
	if e.PizzaID == "" {
		return ""
	}
	return pizzaType + "#" + e.PizzaID
}

// ToppingService manages toppings.
type ToppingService struct {
	store  store.Adapter
	tables Tables
	newID  func() string
	logger zerolog.Logger
}

// NewToppingService creates a ToppingService on top of an Adapter.
func NewToppingService(a store.Adapter, opts ...Option) *ToppingService {
	o := newOptions(opts)
	return &ToppingService{
		store:  a,
		tables: o.tables,
		newID:  o.newID,
		logger: o.logger.With().Str("component", toppingType).Logger(),
	}
}

// Add creates a topping. With a PizzaID the pizza must exist when the write
// commits, and the topping is deleted along with it.
func (s *ToppingService) Add(ctx context.Context, in ToppingInput) (Topping, error) {
	name, err := RequireNonEmptyName(in.Name)
	if err != nil {
		return Topping{}, err
	}
	if err := s.checkName(ctx, name, ""); err != nil {
		return Topping{}, err
	}

	t := Topping{
		ID:      s.newID(),
		Name:    name,
		PizzaID: strings.TrimSpace(in.PizzaID),
	}
	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return Topping{}, &InfrastructureError{Op: "encode topping", Err: err}
	}
	if err := s.store.Create(ctx, toppingEntity{t, s.tables}, item); err != nil {
		return Topping{}, fromStore("create topping", toppingType, err)
	}

	s.logger.Debug().Str("id", t.ID).Str("name", t.Name).Str("pizza", t.PizzaID).Msg("topping created")
	return t, nil
}

// List returns every topping in storage order.
func (s *ToppingService) List(ctx context.Context) ([]Topping, error) {
	items, err := s.store.Scan(ctx, s.tables.Toppings, nil)
	if err != nil {
		return nil, fromStore("list toppings", toppingType, err)
	}

	toppings := make([]Topping, 0, len(items))
	for _, item := range items {
		t, err := decodeTopping(item)
		if err != nil {
			return nil, err
		}
		toppings = append(toppings, t)
	}
	return toppings, nil
}

// Update renames a topping. The owning pizza cannot be changed.
func (s *ToppingService) Update(ctx context.Context, id string, in ToppingInput) (Topping, error) {
	id, err := requireID(id)
	if err != nil {
		return Topping{}, err
	}
	name, err := RequireNonEmptyName(in.Name)
	if err != nil {
		return Topping{}, err
	}

	item, err := s.store.Get(ctx, s.tables.Toppings, store.IDKey(id))
	if err != nil {
		return Topping{}, fromStore("get topping", toppingType, err)
	}
	t, err := decodeTopping(item)
	if err != nil {
		return Topping{}, err
	}
	if pizzaID := strings.TrimSpace(in.PizzaID); pizzaID != "" && pizzaID != t.PizzaID {
		return Topping{}, validationErr("pizza id is fixed at creation")
	}
	if err := s.checkName(ctx, name, id); err != nil {
		return Topping{}, err
	}

	t.Name = name
	updated, err := attributevalue.MarshalMap(t)
	if err != nil {
		return Topping{}, &InfrastructureError{Op: "encode topping", Err: err}
	}
	if err := s.store.Update(ctx, toppingEntity{t, s.tables}, updated, item.Version); err != nil {
		return Topping{}, fromStore("update topping", toppingType, err)
	}

	s.logger.Debug().Str("id", t.ID).Int64("version", item.Version+1).Msg("topping updated")
	return t, nil
}

// Delete removes a topping. Pizzas referencing it are left as they are.
func (s *ToppingService) Delete(ctx context.Context, id string) error {
	id, err := requireID(id)
	if err != nil {
		return err
	}

	entity := toppingEntity{Topping{ID: id}, s.tables}
	if err := s.store.Delete(ctx, entity, store.DeleteOptions{}); err != nil {
		return fromStore("delete topping", toppingType, err)
	}

	s.logger.Debug().Str("id", id).Msg("topping deleted")
	return nil
}

func (s *ToppingService) checkName(ctx context.Context, name, excludeID string) error {
	existing, err := scanNames(ctx, s.store, s.tables.Toppings, name)
	if err != nil {
		return fromStore("scan toppings", toppingType, err)
	}
	return RequireNoDuplicateName(name, existing, excludeID)
}

func decodeTopping(item *store.Item) (Topping, error) {
	var t Topping
	if err := attributevalue.UnmarshalMap(item.Raw, &t); err != nil {
		return Topping{}, &InfrastructureError{Op: "decode topping", Err: err}
	}
	return t, nil
}
