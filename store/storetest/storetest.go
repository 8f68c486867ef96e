// Package storetest is a conformance suite for store.Adapter implementations.
package storetest

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/pizzeria/store"
)

const (
	pizzaTable   = "pizzas"
	toppingTable = "toppings"
)

// Pizza is a suite entity with a unique name and topping references.
type Pizza struct {
	ID         string
	Name       string
	ToppingIDs []string
}

func (p Pizza) TableName() string  { return pizzaTable }
func (p Pizza) EntityRef() string  { return "pizza#" + p.ID }
func (p Pizza) EntityType() string { return "pizza" }
func (p Pizza) GetKey() store.PK   { return store.IDKey(p.ID) }

func (p Pizza) UniqueFields() map[string]string {
	return map[string]string{"name": strings.ToLower(p.Name)}
}

func (p Pizza) ReferenceChecks() []store.ConditionCheck {
	checks := make([]store.ConditionCheck, len(p.ToppingIDs))
	for i, id := range p.ToppingIDs {
		checks[i] = store.ConditionCheck{TableName: toppingTable, Key: store.IDKey(id)}
	}
	return checks
}

func (p Pizza) item() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":          &types.AttributeValueMemberS{Value: p.ID},
		"name":        &types.AttributeValueMemberS{Value: p.Name},
		"topping_ids": store.StringListAttr(p.ToppingIDs),
	}
}

// Topping is a suite entity optionally owned by a pizza.
type Topping struct {
	ID      string
	PizzaID string
	Name    string
}

func (t Topping) TableName() string  { return toppingTable }
func (t Topping) EntityRef() string  { return "topping#" + t.ID }
func (t Topping) EntityType() string { return "topping" }
func (t Topping) GetKey() store.PK   { return store.IDKey(t.ID) }

func (t Topping) ParentCheck() *store.ConditionCheck {
	if t.PizzaID == "" {
		return nil
	}
	return &store.ConditionCheck{TableName: pizzaTable, Key: store.IDKey(t.PizzaID)}
}

func (t Topping) ParentRef() string {
	if t.PizzaID == "" {
		return ""
	}
	return "pizza#" + t.PizzaID
}

func (t Topping) UniqueFields() map[string]string {
	return map[string]string{"name": strings.ToLower(t.Name)}
}

func (t Topping) item() map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":   &types.AttributeValueMemberS{Value: t.ID},
		"name": &types.AttributeValueMemberS{Value: t.Name},
	}
	if t.PizzaID != "" {
		item["pizza_id"] = &types.AttributeValueMemberS{Value: t.PizzaID}
	}
	return item
}

// Run exercises an Adapter built fresh for every subtest by newAdapter.
func Run(t *testing.T, newAdapter func(t *testing.T) store.Adapter) {
	tests := []struct {
		name string
		fn   func(t *testing.T, a store.Adapter)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetMissing", testGetMissing},
		{"CreateDuplicateName", testCreateDuplicateName},
		{"CreateDuplicateID", testCreateDuplicateID},
		{"CreateUnknownReference", testCreateUnknownReference},
		{"CreateUnknownParent", testCreateUnknownParent},
		{"Scan", testScan},
		{"UpdateBumpsVersion", testUpdateBumpsVersion},
		{"UpdateStaleVersion", testUpdateStaleVersion},
		{"UpdateRenameReleasesName", testUpdateRenameReleasesName},
		{"UpdateRenameToTakenName", testUpdateRenameToTakenName},
		{"UpdateUnknownReference", testUpdateUnknownReference},
		{"DeleteMissing", testDeleteMissing},
		{"DeleteReleasesName", testDeleteReleasesName},
		{"DeleteCascade", testDeleteCascade},
		{"Unlink", testUnlink},
		{"ConcurrentCreateSameName", testConcurrentCreateSameName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newAdapter(t))
		})
	}
}

func createTopping(t *testing.T, a store.Adapter, top Topping) {
	t.Helper()
	require.NoError(t, a.Create(context.Background(), top, top.item()))
}

func createPizza(t *testing.T, a store.Adapter, p Pizza) {
	t.Helper()
	require.NoError(t, a.Create(context.Background(), p, p.item()))
}

func testCreateAndGet(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})
	createPizza(t, a, Pizza{ID: "p1", Name: "Margherita", ToppingIDs: []string{"t1"}})

	item, err := a.Get(ctx, pizzaTable, store.IDKey("p1"))
	require.NoError(t, err)

	assert.Equal(t, "p1", item.String("id"))
	assert.Equal(t, "Margherita", item.String("name"))
	assert.Equal(t, int64(1), item.Version)
	assert.Equal(t, "pizza#p1", item.EntityRef)
	assert.NotEmpty(t, item.CreatedAt)
	assert.Len(t, item.UniquePKs, 1)

	ids, ok := item.Raw["topping_ids"].(*types.AttributeValueMemberL)
	require.True(t, ok, "topping_ids must be a list")
	require.Len(t, ids.Value, 1)
	assert.Equal(t, "t1", ids.Value[0].(*types.AttributeValueMemberS).Value)
}

func testGetMissing(t *testing.T, a store.Adapter) {
	_, err := a.Get(context.Background(), pizzaTable, store.IDKey("nope"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateDuplicateName(t *testing.T, a store.Adapter) {
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})

	err := a.Create(context.Background(), Topping{ID: "t2", Name: "cheese"}, Topping{ID: "t2", Name: "cheese"}.item())
	assert.ErrorIs(t, err, store.ErrDuplicateValue)

	_, err = a.Get(context.Background(), toppingTable, store.IDKey("t2"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Same name on another entity type is unrelated
	createPizza(t, a, Pizza{ID: "p1", Name: "Cheese", ToppingIDs: []string{"t1"}})
}

func testCreateDuplicateID(t *testing.T, a store.Adapter) {
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})

	err := a.Create(context.Background(), Topping{ID: "t1", Name: "Basil"}, Topping{ID: "t1", Name: "Basil"}.item())
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	// The failed write must not leave its claim behind
	createTopping(t, a, Topping{ID: "t2", Name: "Basil"})
}

func testCreateUnknownReference(t *testing.T, a store.Adapter) {
	p := Pizza{ID: "p1", Name: "Margherita", ToppingIDs: []string{"missing"}}

	err := a.Create(context.Background(), p, p.item())
	assert.ErrorIs(t, err, store.ErrReferenceNotFound)

	items, err := a.Scan(context.Background(), pizzaTable, nil)
	require.NoError(t, err)
	assert.Empty(t, items)

	// Name is still free
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})
	p.ToppingIDs = []string{"t1"}
	createPizza(t, a, p)
}

func testCreateUnknownParent(t *testing.T, a store.Adapter) {
	top := Topping{ID: "t1", PizzaID: "missing", Name: "Basil"}

	err := a.Create(context.Background(), top, top.item())
	assert.ErrorIs(t, err, store.ErrParentNotFound)

	has, err := a.HasActiveChildren(context.Background(), "pizza#missing")
	require.NoError(t, err)
	assert.False(t, has)
}

func testScan(t *testing.T, a store.Adapter) {
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})
	createTopping(t, a, Topping{ID: "t2", Name: "Basil"})
	createTopping(t, a, Topping{ID: "t3", Name: "Olives"})

	all, err := a.Scan(context.Background(), toppingTable, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := a.Scan(context.Background(), toppingTable, func(i *store.Item) bool {
		return i.String("name") != "Basil"
	})
	require.NoError(t, err)
	assert.Len(t, some, 2)

	none, err := a.Scan(context.Background(), "empty_table", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpdateBumpsVersion(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})
	createTopping(t, a, Topping{ID: "t2", Name: "Basil"})
	createPizza(t, a, Pizza{ID: "p1", Name: "Margherita", ToppingIDs: []string{"t1"}})

	updated := Pizza{ID: "p1", Name: "MARGHERITA", ToppingIDs: []string{"t1", "t2"}}
	require.NoError(t, a.Update(ctx, updated, updated.item(), 1))

	item, err := a.Get(ctx, pizzaTable, store.IDKey("p1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), item.Version)
	assert.Equal(t, "MARGHERITA", item.String("name"))
	assert.Equal(t, "pizza#p1", item.EntityRef)
	assert.Len(t, item.Raw["topping_ids"].(*types.AttributeValueMemberL).Value, 2)
	assert.Len(t, item.UniquePKs, 1)
}

func testUpdateStaleVersion(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})

	renamed := Topping{ID: "t1", Name: "Mozzarella"}
	require.NoError(t, a.Update(ctx, renamed, renamed.item(), 1))

	stale := Topping{ID: "t1", Name: "Cheddar"}
	err := a.Update(ctx, stale, stale.item(), 1)
	assert.ErrorIs(t, err, store.ErrConcurrentModification)

	item, err := a.Get(ctx, toppingTable, store.IDKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, "Mozzarella", item.String("name"))

	// Updating a record that does not exist fails the version check
	ghost := Topping{ID: "ghost", Name: "Ghost"}
	assert.ErrorIs(t, a.Update(ctx, ghost, ghost.item(), 1), store.ErrConcurrentModification)
}

func testUpdateRenameReleasesName(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})

	renamed := Topping{ID: "t1", Name: "Mozzarella"}
	require.NoError(t, a.Update(ctx, renamed, renamed.item(), 1))

	createTopping(t, a, Topping{ID: "t2", Name: "Cheese"})

	taken := Topping{ID: "t3", Name: "mozzarella"}
	assert.ErrorIs(t, a.Create(ctx, taken, taken.item()), store.ErrDuplicateValue)
}

func testUpdateRenameToTakenName(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})
	createTopping(t, a, Topping{ID: "t2", Name: "Basil"})

	clash := Topping{ID: "t2", Name: "CHEESE"}
	assert.ErrorIs(t, a.Update(ctx, clash, clash.item(), 1), store.ErrDuplicateValue)

	item, err := a.Get(ctx, toppingTable, store.IDKey("t2"))
	require.NoError(t, err)
	assert.Equal(t, "Basil", item.String("name"))
	assert.Equal(t, int64(1), item.Version)

	// Basil is still held by t2
	dup := Topping{ID: "t3", Name: "basil"}
	assert.ErrorIs(t, a.Create(ctx, dup, dup.item()), store.ErrDuplicateValue)
}

func testUpdateUnknownReference(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})
	createPizza(t, a, Pizza{ID: "p1", Name: "Margherita", ToppingIDs: []string{"t1"}})

	bad := Pizza{ID: "p1", Name: "Margherita", ToppingIDs: []string{"t1", "missing"}}
	assert.ErrorIs(t, a.Update(ctx, bad, bad.item(), 1), store.ErrReferenceNotFound)

	item, err := a.Get(ctx, pizzaTable, store.IDKey("p1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Version)
}

func testDeleteMissing(t *testing.T, a store.Adapter) {
	err := a.Delete(context.Background(), Pizza{ID: "nope"}, store.DeleteOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteReleasesName(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})

	require.NoError(t, a.Delete(ctx, Topping{ID: "t1"}, store.DeleteOptions{}))

	_, err := a.Get(ctx, toppingTable, store.IDKey("t1"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	createTopping(t, a, Topping{ID: "t2", Name: "cheese"})
	assert.ErrorIs(t, a.Delete(ctx, Topping{ID: "t1"}, store.DeleteOptions{}), store.ErrNotFound)
}

func testDeleteCascade(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "shared", Name: "Cheese"})
	createPizza(t, a, Pizza{ID: "p1", Name: "Margherita", ToppingIDs: []string{"shared"}})
	createTopping(t, a, Topping{ID: "own1", PizzaID: "p1", Name: "Basil"})
	createTopping(t, a, Topping{ID: "own2", PizzaID: "p1", Name: "Tomato"})

	has, err := a.HasActiveChildren(ctx, "pizza#p1")
	require.NoError(t, err)
	assert.True(t, has)

	children, err := a.QueryAllChildren(ctx, "pizza#p1")
	require.NoError(t, err)
	assert.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, toppingTable, c.TableName)
		assert.True(t, strings.HasPrefix(c.Ref, "topping#own"))
	}

	require.NoError(t, a.Delete(ctx, Pizza{ID: "p1"}, store.DeleteOptions{Cascade: true}))

	for _, id := range []string{"own1", "own2"} {
		_, err := a.Get(ctx, toppingTable, store.IDKey(id))
		assert.ErrorIs(t, err, store.ErrNotFound, id)
	}
	_, err = a.Get(ctx, toppingTable, store.IDKey("shared"))
	assert.NoError(t, err, "shared toppings are not owned")

	has, err = a.HasActiveChildren(ctx, "pizza#p1")
	require.NoError(t, err)
	assert.False(t, has)

	// Cascaded names are released
	createTopping(t, a, Topping{ID: "t9", Name: "basil"})
	createPizza(t, a, Pizza{ID: "p2", Name: "Margherita", ToppingIDs: []string{"shared"}})
}

func testUnlink(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	createTopping(t, a, Topping{ID: "t1", Name: "Cheese"})
	createPizza(t, a, Pizza{ID: "p1", Name: "Margherita", ToppingIDs: []string{"t1"}})
	createTopping(t, a, Topping{ID: "own", PizzaID: "p1", Name: "Basil"})

	require.NoError(t, a.Unlink(ctx, "pizza#p1", "topping#own"))

	has, err := a.HasActiveChildren(ctx, "pizza#p1")
	require.NoError(t, err)
	assert.False(t, has)

	// Unlinking twice is harmless
	require.NoError(t, a.Unlink(ctx, "pizza#p1", "topping#own"))
}

func testConcurrentCreateSameName(t *testing.T, a store.Adapter) {
	const writers = 8
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			top := Topping{ID: "t" + string(rune('a'+i)), Name: "Cheese"}
			errs[i] = a.Create(ctx, top, top.item())
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, store.ErrDuplicateValue)
	}
	assert.Equal(t, 1, created)

	items, err := a.Scan(ctx, toppingTable, nil)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
