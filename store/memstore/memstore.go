// Package memstore is an in-process store.Adapter. Every operation runs under
// one lock, so the atomicity a DynamoDB transaction gives is trivially held.
package memstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/pizzeria/store"
)

// Store keeps tables, constraint claims and ownership links in maps.
type Store struct {
	mu      sync.Mutex
	tables  map[string]map[string]map[string]types.AttributeValue
	uniques map[string]string
	links   map[string]map[string]store.ChildRef
	now     func() time.Time
}

var _ store.Adapter = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		tables:  make(map[string]map[string]map[string]types.AttributeValue),
		uniques: make(map[string]string),
		links:   make(map[string]map[string]store.ChildRef),
		now:     time.Now,
	}
}

func (s *Store) Get(_ context.Context, table string, key store.PK) (*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.tables[table][store.KeyID(key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.NewItem(clone(raw)), nil
}

func (s *Store) Scan(_ context.Context, table string, filter store.Filter) ([]*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*store.Item
	for _, raw := range s.tables[table] {
		item := store.NewItem(clone(raw))
		if filter == nil || filter(item) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *Store) Create(_ context.Context, entity store.Entity, item map[string]types.AttributeValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if checker, ok := entity.(store.ParentChecker); ok {
		if check := checker.ParentCheck(); check != nil && !s.exists(*check) {
			return store.ErrParentNotFound
		}
	}
	if err := s.checkRefs(entity); err != nil {
		return err
	}

	claims := store.UniqueClaimsOf(entity)
	for _, c := range claims {
		if _, taken := s.uniques[c.PK]; taken {
			return store.ErrDuplicateValue
		}
	}

	id := store.KeyID(entity.GetKey())
	if _, exists := s.tables[entity.TableName()][id]; exists {
		return store.ErrAlreadyExists
	}

	raw := clone(item)
	raw[store.AttrID] = &types.AttributeValueMemberS{Value: id}
	store.StampCreate(entity, raw, claims, s.now())

	s.table(entity.TableName())[id] = raw
	for _, c := range claims {
		s.uniques[c.PK] = entity.EntityRef()
	}
	if parentRef := store.ParentRefOf(entity); parentRef != "" {
		if s.links[parentRef] == nil {
			s.links[parentRef] = make(map[string]store.ChildRef)
		}
		s.links[parentRef][entity.EntityRef()] = store.ChildRef{
			Ref:       entity.EntityRef(),
			TableName: entity.TableName(),
			Key:       store.IDKey(id),
		}
	}
	return nil
}

func (s *Store) Update(_ context.Context, entity store.Entity, item map[string]types.AttributeValue, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := store.KeyID(entity.GetKey())
	current, ok := s.tables[entity.TableName()][id]
	if !ok || store.NewItem(current).Version != expectedVersion {
		return store.ErrConcurrentModification
	}
	if err := s.checkRefs(entity); err != nil {
		return err
	}

	_, hasUniqueFields := entity.(store.UniqueFielder)
	claims := store.UniqueClaimsOf(entity)
	acquire, release := store.DiffClaims(store.NewItem(current).UniquePKs, claims)
	for _, c := range acquire {
		if _, taken := s.uniques[c.PK]; taken {
			return store.ErrDuplicateValue
		}
	}

	next := make(map[string]types.AttributeValue, len(current)+len(item))
	for k, v := range current {
		if store.IsManagedAttr(k) {
			next[k] = v
		}
	}
	for k, v := range item {
		if !store.IsManagedAttr(k) {
			next[k] = v
		}
	}
	next[store.AttrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)}
	next[store.AttrUpdatedAt] = &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)}
	if hasUniqueFields {
		next[store.AttrUniquePKs] = store.StringListAttr(store.ClaimPKs(claims))
	}

	for _, pk := range release {
		delete(s.uniques, pk)
	}
	for _, c := range acquire {
		s.uniques[c.PK] = entity.EntityRef()
	}
	s.tables[entity.TableName()][id] = next
	return nil
}

func (s *Store) Delete(_ context.Context, entity store.Entity, opts store.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := store.KeyID(entity.GetKey())
	if _, ok := s.tables[entity.TableName()][id]; !ok {
		return store.ErrNotFound
	}

	if opts.Cascade {
		for _, child := range s.links[entity.EntityRef()] {
			s.remove(child.TableName, store.KeyID(child.Key))
		}
		delete(s.links, entity.EntityRef())
	}
	s.remove(entity.TableName(), id)
	return nil
}

func (s *Store) HasActiveChildren(_ context.Context, entityRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links[entityRef]) > 0, nil
}

func (s *Store) QueryAllChildren(_ context.Context, parentRef string) ([]store.ChildRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	children := make([]store.ChildRef, 0, len(s.links[parentRef]))
	for _, child := range s.links[parentRef] {
		children = append(children, child)
	}
	return children, nil
}

func (s *Store) Unlink(_ context.Context, parentRef, childRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.links[parentRef], childRef)
	if len(s.links[parentRef]) == 0 {
		delete(s.links, parentRef)
	}
	return nil
}

// remove drops a record with its claims and its link to an owner.
func (s *Store) remove(table, id string) {
	raw, ok := s.tables[table][id]
	if !ok {
		return
	}
	item := store.NewItem(raw)
	for _, pk := range item.UniquePKs {
		delete(s.uniques, pk)
	}
	if item.ParentRef != "" {
		delete(s.links[item.ParentRef], item.EntityRef)
		if len(s.links[item.ParentRef]) == 0 {
			delete(s.links, item.ParentRef)
		}
	}
	delete(s.tables[table], id)
}

func (s *Store) checkRefs(entity store.Entity) error {
	rc, ok := entity.(store.ReferenceChecker)
	if !ok {
		return nil
	}
	for _, check := range rc.ReferenceChecks() {
		if !s.exists(check) {
			return store.ErrReferenceNotFound
		}
	}
	return nil
}

func (s *Store) exists(check store.ConditionCheck) bool {
	_, ok := s.tables[check.TableName][store.KeyID(check.Key)]
	return ok
}

func (s *Store) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]map[string]types.AttributeValue)
		s.tables[name] = t
	}
	return t
}

func clone(raw map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}
