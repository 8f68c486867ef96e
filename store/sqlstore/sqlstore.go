// Package sqlstore is a store.Adapter on a relational database through gorm.
// Every write runs in one SQL transaction; unique claims and relationship
// links live in their own tables, mirroring the DynamoDB layout.
package sqlstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jacentio/pizzeria/store"
)

// Store implements store.Adapter on a gorm database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Adapter = (*Store)(nil)

// New wraps an opened and migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Get(ctx context.Context, table string, key store.PK) (*store.Item, error) {
	var rec record
	err := s.db.WithContext(ctx).
		Where("kind = ? AND id = ?", table, store.KeyID(key)).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toItem(rec)
}

func (s *Store) Scan(ctx context.Context, table string, filter store.Filter) ([]*store.Item, error) {
	var recs []record
	if err := s.db.WithContext(ctx).Where("kind = ?", table).Find(&recs).Error; err != nil {
		return nil, err
	}

	var items []*store.Item
	for _, rec := range recs {
		item, err := toItem(rec)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(item) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *Store) Create(ctx context.Context, entity store.Entity, item map[string]types.AttributeValue) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if checker, ok := entity.(store.ParentChecker); ok {
			if check := checker.ParentCheck(); check != nil {
				ok, err := exists(tx, *check)
				if err != nil {
					return err
				}
				if !ok {
					return store.ErrParentNotFound
				}
			}
		}
		if err := checkRefs(tx, entity); err != nil {
			return err
		}

		claims := store.UniqueClaimsOf(entity)
		for _, c := range claims {
			if err := claim(tx, entity, c); err != nil {
				return err
			}
		}

		id := store.KeyID(entity.GetKey())
		raw := make(map[string]types.AttributeValue, len(item)+6)
		for k, v := range item {
			raw[k] = v
		}
		raw[store.AttrID] = &types.AttributeValueMemberS{Value: id}
		store.StampCreate(entity, raw, claims, s.now())

		body, err := encodeBody(raw)
		if err != nil {
			return err
		}
		err = tx.Create(&record{Kind: entity.TableName(), ID: id, Version: 1, Body: body}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrAlreadyExists
		}
		if err != nil {
			return err
		}

		if parentRef := store.ParentRefOf(entity); parentRef != "" {
			return tx.Create(&link{
				ParentRef:  parentRef,
				ChildRef:   entity.EntityRef(),
				ChildTable: entity.TableName(),
				ChildID:    id,
			}).Error
		}
		return nil
	})
}

func (s *Store) Update(ctx context.Context, entity store.Entity, item map[string]types.AttributeValue, expectedVersion int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id := store.KeyID(entity.GetKey())

		var rec record
		err := tx.Where("kind = ? AND id = ?", entity.TableName(), id).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrConcurrentModification
		}
		if err != nil {
			return err
		}
		if rec.Version != expectedVersion {
			return store.ErrConcurrentModification
		}
		current, err := toItem(rec)
		if err != nil {
			return err
		}

		if err := checkRefs(tx, entity); err != nil {
			return err
		}

		_, hasUniqueFields := entity.(store.UniqueFielder)
		claims := store.UniqueClaimsOf(entity)
		acquire, release := store.DiffClaims(current.UniquePKs, claims)
		if len(release) > 0 {
			if err := tx.Where("pk IN ?", release).Delete(&constraint{}).Error; err != nil {
				return err
			}
		}
		for _, c := range acquire {
			if err := claim(tx, entity, c); err != nil {
				return err
			}
		}

		next := make(map[string]types.AttributeValue, len(current.Raw)+len(item))
		for k, v := range current.Raw {
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

		body, err := encodeBody(next)
		if err != nil {
			return err
		}
		res := tx.Model(&record{}).
			Where("kind = ? AND id = ? AND version = ?", entity.TableName(), id, expectedVersion).
			Updates(map[string]any{"version": expectedVersion + 1, "body": body})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrConcurrentModification
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, entity store.Entity, opts store.DeleteOptions) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := load(tx, entity.TableName(), store.KeyID(entity.GetKey()))
		if err != nil {
			return err
		}

		if opts.Cascade {
			var children []link
			if err := tx.Where("parent_ref = ?", entity.EntityRef()).Find(&children).Error; err != nil {
				return err
			}
			for _, child := range children {
				childItem, err := load(tx, child.ChildTable, child.ChildID)
				if errors.Is(err, store.ErrNotFound) {
					if err := tx.Delete(&child).Error; err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return err
				}
				if err := remove(tx, child.ChildTable, child.ChildID, childItem); err != nil {
					return err
				}
			}
		}

		return remove(tx, entity.TableName(), store.KeyID(entity.GetKey()), current)
	})
}

func (s *Store) HasActiveChildren(ctx context.Context, entityRef string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&link{}).Where("parent_ref = ?", entityRef).Count(&n).Error
	return n > 0, err
}

func (s *Store) QueryAllChildren(ctx context.Context, parentRef string) ([]store.ChildRef, error) {
	var links []link
	if err := s.db.WithContext(ctx).Where("parent_ref = ?", parentRef).Find(&links).Error; err != nil {
		return nil, err
	}

	children := make([]store.ChildRef, len(links))
	for i, l := range links {
		children[i] = store.ChildRef{
			Ref:       l.ChildRef,
			TableName: l.ChildTable,
			Key:       store.IDKey(l.ChildID),
		}
	}
	return children, nil
}

func (s *Store) Unlink(ctx context.Context, parentRef, childRef string) error {
	return s.db.WithContext(ctx).
		Where("parent_ref = ? AND child_ref = ?", parentRef, childRef).
		Delete(&link{}).Error
}

func toItem(rec record) (*store.Item, error) {
	raw, err := decodeBody(rec.Body)
	if err != nil {
		return nil, err
	}
	item := store.NewItem(raw)
	item.Version = rec.Version
	return item, nil
}

func load(tx *gorm.DB, table, id string) (*store.Item, error) {
	var rec record
	err := tx.Where("kind = ? AND id = ?", table, id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toItem(rec)
}

// remove deletes a record at the version item was read at, with its claims
// and its link to an owner.
func remove(tx *gorm.DB, table, id string, item *store.Item) error {
	res := tx.Where("kind = ? AND id = ? AND version = ?", table, id, item.Version).Delete(&record{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := load(tx, table, id); errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrConcurrentModification
	}
	if len(item.UniquePKs) > 0 {
		if err := tx.Where("pk IN ?", item.UniquePKs).Delete(&constraint{}).Error; err != nil {
			return err
		}
	}
	if item.ParentRef != "" {
		return tx.Where("parent_ref = ? AND child_ref = ?", item.ParentRef, item.EntityRef).Delete(&link{}).Error
	}
	return nil
}

func claim(tx *gorm.DB, entity store.Entity, c store.UniqueClaim) error {
	err := tx.Create(&constraint{
		PK:         c.PK,
		EntityType: entity.EntityType(),
		FieldName:  c.Field,
		FieldValue: c.Value,
		EntityRef:  entity.EntityRef(),
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrDuplicateValue
	}
	return err
}

func checkRefs(tx *gorm.DB, entity store.Entity) error {
	rc, ok := entity.(store.ReferenceChecker)
	if !ok {
		return nil
	}
	for _, check := range rc.ReferenceChecks() {
		ok, err := exists(tx, check)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrReferenceNotFound
		}
	}
	return nil
}

// exists reports whether the checked record is present. On postgres the row
// is share-locked so a concurrent delete waits for this transaction.
func exists(tx *gorm.DB, check store.ConditionCheck) (bool, error) {
	q := tx.Model(&record{}).Where("kind = ? AND id = ?", check.TableName, store.KeyID(check.Key))
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "SHARE"})
	}
	var ids []string
	if err := q.Limit(1).Pluck("id", &ids).Error; err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}
