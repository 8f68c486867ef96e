package catalog

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/rs/zerolog"

	"github.com/jacentio/pizzeria/store"
)

const pizzaType = "pizza"

// Pizza is a named set of topping references.
type Pizza struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Name      string    `json:"name" dynamodbav:"name"`
	Toppings  []string  `json:"toppings" dynamodbav:"toppings"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
}

// PizzaInput carries the caller controlled fields of a pizza.
type PizzaInput struct {
	Name     string
	Toppings []string
}

// pizzaEntity binds a pizza to its table for the store.
type pizzaEntity struct {
	Pizza
	tables Tables
}

func (e pizzaEntity) TableName() string  { return e.tables.Pizzas }
func (e pizzaEntity) GetKey() store.PK   { return store.IDKey(e.ID) }
func (e pizzaEntity) EntityRef() string  { return pizzaType + "#" + e.ID }
func (e pizzaEntity) EntityType() string { return pizzaType }

func (e pizzaEntity) UniqueFields() map[string]string {
	return map[string]string{"name": NormalizeName(e.Name)}
}

func (e pizzaEntity) ReferenceChecks() []store.ConditionCheck {
	checks := make([]store.ConditionCheck, len(e.Toppings))
	for i, id := range e.Toppings {
		checks[i] = store.ConditionCheck{TableName: e.tables.Toppings, Key: store.IDKey(id)}
	}
	return checks
}

// PizzaService manages pizzas.
type PizzaService struct {
	store  store.Adapter
	tables Tables
	newID  func() string
	now    func() time.Time
	logger zerolog.Logger
}

// NewPizzaService creates a PizzaService on top of an Adapter.
func NewPizzaService(a store.Adapter, opts ...Option) *PizzaService {
	o := newOptions(opts)
	return &PizzaService{
		store:  a,
		tables: o.tables,
		newID:  o.newID,
		now:    o.now,
		logger: o.logger.With().Str("component", pizzaType).Logger(),
	}
}

// Add creates a pizza. Every topping must exist when the write commits.
func (s *PizzaService) Add(ctx context.Context, in PizzaInput) (Pizza, error) {
	name, err := RequireNonEmptyName(in.Name)
	if err != nil {
		return Pizza{}, err
	}
	toppings, err := RequireAtLeastOneTopping(in.Toppings)
	if err != nil {
		return Pizza{}, err
	}
	if err := s.checkName(ctx, name, ""); err != nil {
		return Pizza{}, err
	}

	p := Pizza{
		ID:        s.newID(),
		Name:      name,
		Toppings:  toppings,
		CreatedAt: s.now().UTC().Round(0),
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return Pizza{}, &InfrastructureError{Op: "encode pizza", Err: err}
	}
	if err := s.store.Create(ctx, pizzaEntity{p, s.tables}, item); err != nil {
		return Pizza{}, fromStore("create pizza", pizzaType, err)
	}

	s.logger.Debug().Str("id", p.ID).Str("name", p.Name).Msg("pizza created")
	return p, nil
}

// List returns every pizza in storage order.
func (s *PizzaService) List(ctx context.Context) ([]Pizza, error) {
	items, err := s.store.Scan(ctx, s.tables.Pizzas, nil)
	if err != nil {
		return nil, fromStore("list pizzas", pizzaType, err)
	}

	pizzas := make([]Pizza, 0, len(items))
	for _, item := range items {
		p, err := decodePizza(item)
		if err != nil {
			return nil, err
		}
		pizzas = append(pizzas, p)
	}
	return pizzas, nil
}

// Update replaces the name and topping set of a pizza. The id and creation
// time are kept.
func (s *PizzaService) Update(ctx context.Context, id string, in PizzaInput) (Pizza, error) {
	id, err := requireID(id)
	if err != nil {
		return Pizza{}, err
	}
	name, err := RequireNonEmptyName(in.Name)
	if err != nil {
		return Pizza{}, err
	}
	toppings, err := RequireAtLeastOneTopping(in.Toppings)
	if err != nil {
		return Pizza{}, err
	}

	p, version, err := s.get(ctx, id)
	if err != nil {
		return Pizza{}, err
	}
	if err := s.checkName(ctx, name, id); err != nil {
		return Pizza{}, err
	}

	p.Name = name
	p.Toppings = toppings
	if err := s.write(ctx, p, version); err != nil {
		return Pizza{}, err
	}

	s.logger.Debug().Str("id", p.ID).Int64("version", version+1).Msg("pizza updated")
	return p, nil
}

// Delete removes a pizza together with the toppings it owns.
func (s *PizzaService) Delete(ctx context.Context, id string) error {
	id, err := requireID(id)
	if err != nil {
		return err
	}

	entity := pizzaEntity{Pizza{ID: id}, s.tables}
	if err := s.store.Delete(ctx, entity, store.DeleteOptions{Cascade: true}); err != nil {
		return fromStore("delete pizza", pizzaType, err)
	}

	s.logger.Debug().Str("id", id).Msg("pizza deleted")
	return nil
}

// Reconciliation lists the pizzas touched by RemoveToppingReferences.
type Reconciliation struct {
	// Updated are the pizzas the topping was removed from.
	Updated []string

	// Skipped are the pizzas left alone because no existing topping would
	// remain.
	Skipped []string
}

// RemoveToppingReferences strips a deleted topping from every pizza that
// still references it. Other references that no longer resolve are dropped
// in the same write. A pizza is never written without toppings; those are
// reported in Skipped instead.
func (s *PizzaService) RemoveToppingReferences(ctx context.Context, toppingID string) (Reconciliation, error) {
	var rec Reconciliation

	toppingID, err := requireID(toppingID)
	if err != nil {
		return rec, err
	}

	items, err := s.store.Scan(ctx, s.tables.Pizzas, func(item *store.Item) bool {
		p, err := decodePizza(item)
		return err == nil && slices.Contains(p.Toppings, toppingID)
	})
	if err != nil {
		return rec, fromStore("scan pizzas", pizzaType, err)
	}

	for _, item := range items {
		p, err := decodePizza(item)
		if err != nil {
			return rec, err
		}

		remaining, err := s.existingToppings(ctx, p.Toppings, toppingID)
		if err != nil {
			return rec, err
		}
		if len(remaining) == 0 {
			s.logger.Warn().Str("pizza", p.ID).Str("topping", toppingID).Msg("pizza left with no toppings, reference kept")
			rec.Skipped = append(rec.Skipped, p.ID)
			continue
		}

		p.Toppings = remaining
		if err := s.write(ctx, p, item.Version); err != nil {
			return rec, err
		}
		rec.Updated = append(rec.Updated, p.ID)
	}

	s.logger.Info().
		Str("topping", toppingID).
		Int("updated", len(rec.Updated)).
		Int("skipped", len(rec.Skipped)).
		Msg("topping references removed")
	return rec, nil
}

// existingToppings returns ids without drop and without ids whose topping
// no longer exists, in their original order.
func (s *PizzaService) existingToppings(ctx context.Context, ids []string, drop string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == drop {
			continue
		}
		_, err := s.store.Get(ctx, s.tables.Toppings, store.IDKey(id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fromStore("get topping", toppingType, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *PizzaService) get(ctx context.Context, id string) (Pizza, int64, error) {
	item, err := s.store.Get(ctx, s.tables.Pizzas, store.IDKey(id))
	if err != nil {
		return Pizza{}, 0, fromStore("get pizza", pizzaType, err)
	}
	p, err := decodePizza(item)
	if err != nil {
		return Pizza{}, 0, err
	}
	return p, item.Version, nil
}

func (s *PizzaService) write(ctx context.Context, p Pizza, version int64) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return &InfrastructureError{Op: "encode pizza", Err: err}
	}
	if err := s.store.Update(ctx, pizzaEntity{p, s.tables}, item, version); err != nil {
		return fromStore("update pizza", pizzaType, err)
	}
	return nil
}

// checkName scans for a pizza already holding name. The constraint row
// claimed by the write is what makes the check race free.
func (s *PizzaService) checkName(ctx context.Context, name, excludeID string) error {
	existing, err := scanNames(ctx, s.store, s.tables.Pizzas, name)
	if err != nil {
		return fromStore("scan pizzas", pizzaType, err)
	}
	return RequireNoDuplicateName(name, existing, excludeID)
}

func decodePizza(item *store.Item) (Pizza, error) {
	var p Pizza
	if err := attributevalue.UnmarshalMap(item.Raw, &p); err != nil {
		return Pizza{}, &InfrastructureError{Op: "decode pizza", Err: err}
	}
	if p.Toppings == nil {
		p.Toppings = []string{}
	}
	return p, nil
}

// scanNames returns the records of table whose name matches name under
// NormalizeName.
func scanNames(ctx context.Context, a store.Adapter, table, name string) ([]Named, error) {
	want := NormalizeName(name)
	items, err := a.Scan(ctx, table, func(item *store.Item) bool {
		return NormalizeName(item.String("name")) == want
	})
	if err != nil {
		return nil, err
	}

	named := make([]Named, len(items))
	for i, item := range items {
		named[i] = Named{ID: item.String("id"), Name: item.String("name")}
	}
	return named, nil
}
