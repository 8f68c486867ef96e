package stream_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/jacentio/pizzeria/catalog"
	"github.com/jacentio/pizzeria/store"
	"github.com/jacentio/pizzeria/store/memstore"
	"github.com/jacentio/pizzeria/stream"
)

var nop = zerolog.Nop()

// --- ConvertStreamKey Tests ---

func TestConvertStreamKey_String(t *testing.T) {
	pk := stream.ConvertStreamKey(map[string]events.DynamoDBAttributeValue{
		"id": events.NewStringAttribute("p1"),
	})

	v, ok := pk["id"].(*types.AttributeValueMemberS)
	if !ok {
		t.Fatal("expected string attribute")
	}
	if v.Value != "p1" {
		t.Errorf("expected 'p1', got %q", v.Value)
	}
	if store.KeyID(pk) != "p1" {
		t.Errorf("expected KeyID 'p1', got %q", store.KeyID(pk))
	}
}

func TestConvertStreamKey_Nil(t *testing.T) {
	pk := stream.ConvertStreamKey(nil)
	if pk == nil {
		t.Fatal("expected non-nil PK for nil input")
	}
	if len(pk) != 0 {
		t.Errorf("expected empty PK, got %d keys", len(pk))
	}
}

func TestConvertStreamKey_MixedTypes(t *testing.T) {
	pk := stream.ConvertStreamKey(map[string]events.DynamoDBAttributeValue{
		"pk":   events.NewStringAttribute("pizza#p1#00"),
		"num":  events.NewNumberAttribute("42"),
		"data": events.NewBinaryAttribute([]byte{0x01}),
	})

	if len(pk) != 3 {
		t.Errorf("expected 3 keys, got %d", len(pk))
	}
	if v, ok := pk["pk"].(*types.AttributeValueMemberS); !ok || v.Value != "pizza#p1#00" {
		t.Error("expected string pk")
	}
	if v, ok := pk["num"].(*types.AttributeValueMemberN); !ok || v.Value != "42" {
		t.Error("expected number num")
	}
	if v, ok := pk["data"].(*types.AttributeValueMemberB); !ok || len(v.Value) != 1 {
		t.Error("expected binary data")
	}
}

// --- NewHandler Tests ---

func TestNewHandler_Nils(t *testing.T) {
	h := stream.NewHandler(nil, nil, nil)
	if h == nil {
		t.Fatal("expected non-nil Handler")
	}

	// Without a registry nothing is queried, so a nil store is never touched
	err := h.HandleRemovals(context.Background(), removeEvent("pizza#p1", "p1"))
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

// --- HandleRemovals Tests ---

func removeEvent(entityRef, id string) events.DynamoDBEvent {
	return events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{{
			EventID:   "evt-" + id,
			EventName: "REMOVE",
			Change: events.DynamoDBStreamRecord{
				Keys: map[string]events.DynamoDBAttributeValue{
					"id": events.NewStringAttribute(id),
				},
				OldImage: map[string]events.DynamoDBAttributeValue{
					"id":         events.NewStringAttribute(id),
					"entity_ref": events.NewStringAttribute(entityRef),
				},
			},
		}},
	}
}

func TestHandleRemovals_EmptyEvent(t *testing.T) {
	h := stream.NewHandler(memstore.New(), nil, &nop)
	if err := h.HandleRemovals(context.Background(), events.DynamoDBEvent{}); err != nil {
		t.Errorf("expected no error for empty event, got %v", err)
	}
}

func TestHandleRemovals_SkipsOtherEvents(t *testing.T) {
	var calls int
	h := stream.NewHandler(memstore.New(), nil, &nop)
	h.OnRemove("topping", func(context.Context, string) error {
		calls++
		return nil
	})

	image := map[string]events.DynamoDBAttributeValue{
		"id":         events.NewStringAttribute("t1"),
		"entity_ref": events.NewStringAttribute("topping#t1"),
	}
	event := events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			{EventName: "INSERT", Change: events.DynamoDBStreamRecord{NewImage: image}},
			{EventName: "MODIFY", Change: events.DynamoDBStreamRecord{OldImage: image, NewImage: image}},
		},
	}

	if err := h.HandleRemovals(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected hook not to run, ran %d times", calls)
	}
}

func TestHandleRemovals_SkipsRowsWithoutEntityRef(t *testing.T) {
	var calls int
	h := stream.NewHandler(memstore.New(), nil, &nop)
	h.OnRemove("topping", func(context.Context, string) error {
		calls++
		return nil
	})

	// Unique constraint rows carry only pk and entity bookkeeping
	event := events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{{
			EventName: "REMOVE",
			Change: events.DynamoDBStreamRecord{
				OldImage: map[string]events.DynamoDBAttributeValue{
					"pk": events.NewStringAttribute("UNIQUE#abc"),
				},
			},
		}},
	}

	if err := h.HandleRemovals(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected hook not to run, ran %d times", calls)
	}
}

func TestHandleRemovals_RunsHookWithID(t *testing.T) {
	var got []string
	h := stream.NewHandler(memstore.New(), nil, &nop)
	h.OnRemove("topping", func(_ context.Context, id string) error {
		got = append(got, id)
		return nil
	})

	if err := h.HandleRemovals(context.Background(), removeEvent("topping#t7", "t7")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 1 || got[0] != "t7" {
		t.Errorf("expected hook called with t7, got %v", got)
	}
}

func TestHandleRemovals_HookErrorStopsBatch(t *testing.T) {
	h := stream.NewHandler(memstore.New(), nil, &nop)
	boom := errors.New("boom")
	h.OnRemove("topping", func(context.Context, string) error { return boom })

	err := h.HandleRemovals(context.Background(), removeEvent("topping#t1", "t1"))
	if !errors.Is(err, boom) {
		t.Errorf("expected hook error, got %v", err)
	}
}

func TestHandleRemovals_DeletesLeftoverOwnedToppings(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	tables := catalog.DefaultTables()
	pizzas := catalog.NewPizzaService(s, catalog.WithLogger(nop))
	toppings := catalog.NewToppingService(s, catalog.WithLogger(nop))

	cheese, err := toppings.Add(ctx, catalog.ToppingInput{Name: "Cheese"})
	if err != nil {
		t.Fatal(err)
	}
	pizza, err := pizzas.Add(ctx, catalog.PizzaInput{Name: "Margherita", Toppings: []string{cheese.ID}})
	if err != nil {
		t.Fatal(err)
	}
	basil, err := toppings.Add(ctx, catalog.ToppingInput{Name: "Basil", PizzaID: pizza.ID})
	if err != nil {
		t.Fatal(err)
	}

	// A delete that skipped its owned records
	pizzaRef := store.RefEntity(tables.Pizzas, store.IDKey(pizza.ID), "pizza#"+pizza.ID)
	if err := s.Delete(ctx, pizzaRef, store.DeleteOptions{}); err != nil {
		t.Fatal(err)
	}

	h := stream.NewHandler(s, catalog.Relationships(tables), &nop)
	if err := h.HandleRemovals(ctx, removeEvent("pizza#"+pizza.ID, pizza.ID)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, err := s.Get(ctx, tables.Toppings, store.IDKey(basil.ID)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected owned topping removed, got %v", err)
	}
	if _, err := s.Get(ctx, tables.Toppings, store.IDKey(cheese.ID)); err != nil {
		t.Errorf("expected shared topping kept, got %v", err)
	}
	has, err := s.HasActiveChildren(ctx, "pizza#"+pizza.ID)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("expected no links left")
	}

	// The name is free again
	if _, err := toppings.Add(ctx, catalog.ToppingInput{Name: "Basil"}); err != nil {
		t.Errorf("expected name released, got %v", err)
	}
}

func TestHandleRemovals_ReconcilesToppingReferences(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	pizzas := catalog.NewPizzaService(s, catalog.WithLogger(nop))
	toppings := catalog.NewToppingService(s, catalog.WithLogger(nop))

	cheese, _ := toppings.Add(ctx, catalog.ToppingInput{Name: "Cheese"})
	basil, _ := toppings.Add(ctx, catalog.ToppingInput{Name: "Basil"})
	pizza, err := pizzas.Add(ctx, catalog.PizzaInput{Name: "Margherita", Toppings: []string{cheese.ID, basil.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if err := toppings.Delete(ctx, basil.ID); err != nil {
		t.Fatal(err)
	}

	h := stream.NewHandler(s, catalog.Relationships(catalog.DefaultTables()), &nop)
	h.OnRemove("topping", func(ctx context.Context, id string) error {
		_, err := pizzas.RemoveToppingReferences(ctx, id)
		return err
	})

	if err := h.HandleRemovals(ctx, removeEvent("topping#"+basil.ID, basil.ID)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	list, err := pizzas.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != pizza.ID {
		t.Fatalf("expected one pizza, got %v", list)
	}
	if len(list[0].Toppings) != 1 || list[0].Toppings[0] != cheese.ID {
		t.Errorf("expected toppings [%s], got %v", cheese.ID, list[0].Toppings)
	}
}

// staleLinks reports children whose records are already gone.
type staleLinks struct {
	store.Adapter
	mu       sync.Mutex
	children []store.ChildRef
	unlinked []string
	queries  int
}

func (s *staleLinks) HasActiveChildren(context.Context, string) (bool, error) {
	return len(s.children) > 0, nil
}

func (s *staleLinks) QueryAllChildren(context.Context, string) ([]store.ChildRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	return s.children, nil
}

func (s *staleLinks) Delete(context.Context, store.Entity, store.DeleteOptions) error {
	return store.ErrNotFound
}

func (s *staleLinks) Unlink(_ context.Context, parentRef, childRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlinked = append(s.unlinked, parentRef+"->"+childRef)
	return nil
}

func TestHandleRemovals_UnlinksStaleChildren(t *testing.T) {
	s := &staleLinks{
		Adapter: memstore.New(),
		children: []store.ChildRef{
			{Ref: "topping#t1", TableName: "toppings", Key: store.IDKey("t1")},
			{Ref: "topping#t2", TableName: "toppings", Key: store.IDKey("t2")},
		},
	}
	h := stream.NewHandler(s, catalog.Relationships(catalog.DefaultTables()), &nop)

	if err := h.HandleRemovals(context.Background(), removeEvent("pizza#p1", "p1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(s.unlinked) != 2 {
		t.Fatalf("expected 2 unlinks, got %v", s.unlinked)
	}
	if s.unlinked[0] != "pizza#p1->topping#t1" {
		t.Errorf("unexpected unlink %q", s.unlinked[0])
	}
}

// failingChildren fails every child query.
type failingChildren struct {
	store.Adapter
}

func (failingChildren) HasActiveChildren(context.Context, string) (bool, error) {
	return true, nil
}

func (failingChildren) QueryAllChildren(context.Context, string) ([]store.ChildRef, error) {
	return nil, errors.New("throttled")
}

func TestHandleRemovals_QueryErrorPropagates(t *testing.T) {
	h := stream.NewHandler(failingChildren{memstore.New()}, catalog.Relationships(catalog.DefaultTables()), &nop)

	err := h.HandleRemovals(context.Background(), removeEvent("pizza#p1", "p1"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestHandleRemovals_SkipsUnregisteredTables(t *testing.T) {
	s := &staleLinks{
		Adapter: memstore.New(),
		children: []store.ChildRef{
			{Ref: "invoice#i1", TableName: "invoices", Key: store.IDKey("i1")},
		},
	}
	h := stream.NewHandler(s, catalog.Relationships(catalog.DefaultTables()), &nop)

	if err := h.HandleRemovals(context.Background(), removeEvent("pizza#p1", "p1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(s.unlinked) != 0 {
		t.Errorf("expected foreign link untouched, got %v", s.unlinked)
	}
}

func TestHandleRemovals_NoLinksSkipsChildQuery(t *testing.T) {
	var calls int
	s := &staleLinks{Adapter: memstore.New()}
	h := stream.NewHandler(s, catalog.Relationships(catalog.DefaultTables()), &nop)
	h.OnRemove("pizza", func(context.Context, string) error {
		calls++
		return nil
	})

	if err := h.HandleRemovals(context.Background(), removeEvent("pizza#p1", "p1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s.queries != 0 {
		t.Errorf("expected no child query, got %d", s.queries)
	}
	if calls != 1 {
		t.Errorf("expected hook to run once, ran %d times", calls)
	}
}
