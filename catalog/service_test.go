package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/pizzeria/store"
	"github.com/jacentio/pizzeria/store/memstore"
)

var fixedNow = time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)

// sequence hands out ids with a prefix: t1, t2, ...
func sequence(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

type fixture struct {
	store    *memstore.Store
	pizzas   *PizzaService
	toppings *ToppingService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	return &fixture{
		store: s,
		pizzas: NewPizzaService(s,
			WithIDGenerator(sequence("p")),
			WithClock(func() time.Time { return fixedNow }),
			WithLogger(zerolog.Nop()),
		),
		toppings: NewToppingService(s,
			WithIDGenerator(sequence("t")),
			WithLogger(zerolog.Nop()),
		),
	}
}

func (f *fixture) topping(t *testing.T, name string) Topping {
	t.Helper()
	top, err := f.toppings.Add(context.Background(), ToppingInput{Name: name})
	require.NoError(t, err)
	return top
}

func (f *fixture) pizza(t *testing.T, name string, toppings ...string) Pizza {
	t.Helper()
	p, err := f.pizzas.Add(context.Background(), PizzaInput{Name: name, Toppings: toppings})
	require.NoError(t, err)
	return p
}

func requireErrType[T error](t *testing.T, err error, msg string) {
	t.Helper()
	var target T
	require.Error(t, err)
	require.True(t, errors.As(err, &target), "expected %T, got %T: %v", target, err, err)
	if msg != "" {
		assert.Equal(t, msg, err.Error())
	}
}

// --- Pizza ---

func TestPizzaAdd(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")
	f.topping(t, "Basil")

	p, err := f.pizzas.Add(context.Background(), PizzaInput{Name: " Margherita ", Toppings: []string{"t1", "t2", "t1"}})
	require.NoError(t, err)

	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "Margherita", p.Name)
	assert.Equal(t, []string{"t1", "t2"}, p.Toppings)
	assert.True(t, fixedNow.Equal(p.CreatedAt))

	list, err := f.pizzas.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.Name, list[0].Name)
	assert.Equal(t, p.Toppings, list[0].Toppings)
	assert.True(t, p.CreatedAt.Equal(list[0].CreatedAt))
}

func TestPizzaAdd_ValidationWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")

	tests := []struct {
		name string
		in   PizzaInput
		msg  string
	}{
		{"empty name", PizzaInput{Name: "", Toppings: []string{"t1"}}, "name required"},
		{"blank name", PizzaInput{Name: "   ", Toppings: []string{"t1"}}, "name required"},
		{"no toppings", PizzaInput{Name: "Margherita"}, "at least one topping required"},
		{"blank topping", PizzaInput{Name: "Margherita", Toppings: []string{""}}, "topping id required"},
		{"unknown topping", PizzaInput{Name: "Margherita", Toppings: []string{"t1", "nope"}}, "unknown topping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pizzas.Add(context.Background(), tt.in)
			requireErrType[*ValidationError](t, err, tt.msg)

			list, err := f.pizzas.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestPizzaAdd_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")
	f.pizza(t, "Margherita", "t1")

	for _, name := range []string{"Margherita", "margherita", "  MARGHERITA "} {
		_, err := f.pizzas.Add(context.Background(), PizzaInput{Name: name, Toppings: []string{"t1"}})
		requireErrType[*DuplicateError](t, err, "duplicate name")
	}

	list, err := f.pizzas.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPizzaAdd_ConcurrentSameName(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pizzas.Add(context.Background(), PizzaInput{Name: "Margherita", Toppings: []string{"t1"}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		requireErrType[*DuplicateError](t, err, "duplicate name")
	}
	assert.Equal(t, 1, ok)

	list, err := f.pizzas.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPizzaUpdate(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")
	f.topping(t, "Basil")
	created := f.pizza(t, "Margherita", "t1")

	// Same name, new toppings: the record does not collide with itself
	p, err := f.pizzas.Update(context.Background(), created.ID, PizzaInput{Name: "margherita", Toppings: []string{"t2", "t1"}})
	require.NoError(t, err)
	assert.Equal(t, created.ID, p.ID)
	assert.Equal(t, "margherita", p.Name)
	assert.Equal(t, []string{"t2", "t1"}, p.Toppings)
	assert.True(t, created.CreatedAt.Equal(p.CreatedAt))

	list, err := f.pizzas.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"t2", "t1"}, list[0].Toppings)
	assert.True(t, created.CreatedAt.Equal(list[0].CreatedAt))
}

func TestPizzaUpdate_Errors(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")
	f.pizza(t, "Margherita", "t1")
	f.pizza(t, "Hawaiian", "t1")

	_, err := f.pizzas.Update(context.Background(), "missing", PizzaInput{Name: "X", Toppings: []string{"t1"}})
	requireErrType[*NotFoundError](t, err, "pizza not found")

	_, err = f.pizzas.Update(context.Background(), " ", PizzaInput{Name: "X", Toppings: []string{"t1"}})
	requireErrType[*ValidationError](t, err, "id required")

	_, err = f.pizzas.Update(context.Background(), "p2", PizzaInput{Name: "MARGHERITA", Toppings: []string{"t1"}})
	requireErrType[*DuplicateError](t, err, "duplicate name")

	_, err = f.pizzas.Update(context.Background(), "p2", PizzaInput{Name: "Hawaiian"})
	requireErrType[*ValidationError](t, err, "at least one topping required")

	_, err = f.pizzas.Update(context.Background(), "p2", PizzaInput{Name: "Hawaiian", Toppings: []string{"gone"}})
	requireErrType[*ValidationError](t, err, "unknown topping")
}

func TestPizzaUpdate_RenameFreesOldName(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")
	f.pizza(t, "Margherita", "t1")

	_, err := f.pizzas.Update(context.Background(), "p1", PizzaInput{Name: "Marinara", Toppings: []string{"t1"}})
	require.NoError(t, err)

	f.pizza(t, "Margherita", "t1")
}

func TestPizzaDelete(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")
	f.pizza(t, "Margherita", "t1")

	require.NoError(t, f.pizzas.Delete(context.Background(), "p1"))

	list, err := f.pizzas.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	err = f.pizzas.Delete(context.Background(), "p1")
	requireErrType[*NotFoundError](t, err, "pizza not found")

	err = f.pizzas.Delete(context.Background(), "")
	requireErrType[*ValidationError](t, err, "id required")

	// Shared toppings survive
	toppings, err := f.toppings.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, toppings, 1)
}

func TestPizzaDelete_CascadesOwnedToppings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topping(t, "Cheese")
	f.pizza(t, "Margherita", "t1")

	basil, err := f.toppings.Add(ctx, ToppingInput{Name: "Basil", PizzaID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "p1", basil.PizzaID)

	_, err = f.pizzas.Update(ctx, "p1", PizzaInput{Name: "Margherita", Toppings: []string{"t1", basil.ID}})
	require.NoError(t, err)

	require.NoError(t, f.pizzas.Delete(ctx, "p1"))

	toppings, err := f.toppings.List(ctx)
	require.NoError(t, err)
	require.Len(t, toppings, 1)
	assert.Equal(t, "Cheese", toppings[0].Name)

	// The owned topping's name is free again
	_, err = f.toppings.Add(ctx, ToppingInput{Name: "basil"})
	require.NoError(t, err)
}

func TestRemoveToppingReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topping(t, "Cheese")
	f.topping(t, "Basil")
	f.topping(t, "Olives")
	f.pizza(t, "Margherita", "t1", "t2")
	f.pizza(t, "Plain", "t1")
	f.pizza(t, "Olive", "t3")

	require.NoError(t, f.toppings.Delete(ctx, "t1"))

	rec, err := f.pizzas.RemoveToppingReferences(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, rec.Updated)
	assert.Equal(t, []string{"p2"}, rec.Skipped)

	byID := map[string]Pizza{}
	list, err := f.pizzas.List(ctx)
	require.NoError(t, err)
	for _, p := range list {
		byID[p.ID] = p
	}
	assert.Equal(t, []string{"t2"}, byID["p1"].Toppings)
	assert.Equal(t, []string{"t1"}, byID["p2"].Toppings)
	assert.Equal(t, []string{"t3"}, byID["p3"].Toppings)

	// Running again changes nothing new
	rec, err = f.pizzas.RemoveToppingReferences(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, rec.Updated)
	assert.Equal(t, []string{"p2"}, rec.Skipped)
}

func TestRemoveToppingReferences_DropsOtherDanglingIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topping(t, "Cheese")
	f.topping(t, "Basil")
	f.topping(t, "Olives")
	f.pizza(t, "Margherita", "t1", "t2", "t3")

	require.NoError(t, f.toppings.Delete(ctx, "t1"))
	require.NoError(t, f.toppings.Delete(ctx, "t2"))

	rec, err := f.pizzas.RemoveToppingReferences(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, rec.Updated)

	list, err := f.pizzas.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t3"}, list[0].Toppings)
}

// --- Topping ---

func TestToppingAdd(t *testing.T) {
	f := newFixture(t)

	top, err := f.toppings.Add(context.Background(), ToppingInput{Name: "  Cheese"})
	require.NoError(t, err)
	assert.Equal(t, Topping{ID: "t1", Name: "Cheese"}, top)

	_, err = f.toppings.Add(context.Background(), ToppingInput{Name: "cheese"})
	requireErrType[*DuplicateError](t, err, "duplicate name")

	_, err = f.toppings.Add(context.Background(), ToppingInput{Name: ""})
	requireErrType[*ValidationError](t, err, "name required")

	_, err = f.toppings.Add(context.Background(), ToppingInput{Name: "Basil", PizzaID: "nope"})
	requireErrType[*ValidationError](t, err, "unknown pizza")

	list, err := f.toppings.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestToppingAdd_NameSharedWithPizza(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")
	f.pizza(t, "Cheese", "t1")
}

func TestToppingUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topping(t, "Cheese")
	f.topping(t, "Basil")

	top, err := f.toppings.Update(ctx, "t1", ToppingInput{Name: "CHEESE"})
	require.NoError(t, err)
	assert.Equal(t, "CHEESE", top.Name)

	_, err = f.toppings.Update(ctx, "t1", ToppingInput{Name: "basil"})
	requireErrType[*DuplicateError](t, err, "duplicate name")

	_, err = f.toppings.Update(ctx, "missing", ToppingInput{Name: "X"})
	requireErrType[*NotFoundError](t, err, "topping not found")

	_, err = f.toppings.Update(ctx, "t1", ToppingInput{Name: "Cheese", PizzaID: "p9"})
	requireErrType[*ValidationError](t, err, "pizza id is fixed at creation")
}

func TestToppingUpdate_KeepsPizzaID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topping(t, "Cheese")
	f.pizza(t, "Margherita", "t1")
	_, err := f.toppings.Add(ctx, ToppingInput{Name: "Basil", PizzaID: "p1"})
	require.NoError(t, err)

	top, err := f.toppings.Update(ctx, "t2", ToppingInput{Name: "Fresh Basil"})
	require.NoError(t, err)
	assert.Equal(t, "p1", top.PizzaID)

	has, err := f.store.HasActiveChildren(ctx, "pizza#p1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestServiceLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).With().Str("service", "api").Logger()
	toppings := NewToppingService(memstore.New(), WithIDGenerator(sequence("t")), WithLogger(base))

	_, err := toppings.Add(context.Background(), ToppingInput{Name: "Cheese"})
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry), buf.String())
	assert.Equal(t, "api", entry["service"])
	assert.Equal(t, "topping", entry["component"])
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"service"`)))
}

func TestToppingDelete(t *testing.T) {
	f := newFixture(t)
	f.topping(t, "Cheese")

	require.NoError(t, f.toppings.Delete(context.Background(), "t1"))
	err := f.toppings.Delete(context.Background(), "t1")
	requireErrType[*NotFoundError](t, err, "topping not found")
}

func TestRelationships(t *testing.T) {
	r := Relationships(Tables{Pizzas: "p", Toppings: "tops"})

	rels := r.ChildrenOf("pizza")
	require.Len(t, rels, 1)
	assert.Equal(t, "topping", rels[0].ChildType)
	assert.Equal(t, "tops", rels[0].ChildTableName)
	assert.False(t, r.HasChildren("topping"))
	assert.True(t, r.Owns("pizza", "tops"))
}

// failingStore fails every call, to check infrastructure errors surface.
type failingStore struct {
	store.Adapter
	err error
}

func (f failingStore) Scan(context.Context, string, store.Filter) ([]*store.Item, error) {
	return nil, f.err
}

func TestInfrastructureErrorsSurface(t *testing.T) {
	boom := errors.New("table unreachable")
	svc := NewPizzaService(failingStore{err: boom}, WithLogger(zerolog.Nop()))

	_, err := svc.List(context.Background())
	requireErrType[*InfrastructureError](t, err, "")
	assert.ErrorIs(t, err, boom)

	_, err = svc.Add(context.Background(), PizzaInput{Name: "X", Toppings: []string{"t1"}})
	requireErrType[*InfrastructureError](t, err, "")
}
