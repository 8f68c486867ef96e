package store

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/pizzeria/internal/shard"
)

// PK represents a primary key. Record tables are keyed by a single "id" string.
type PK map[string]types.AttributeValue

// IDKey builds the primary key of a record table.
func IDKey(id string) PK {
	return PK{"id": &types.AttributeValueMemberS{Value: id}}
}

// KeyID returns the "id" component of a key, or "" if it has none.
func KeyID(key PK) string {
	if v, ok := key["id"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// Entity is the base interface for all storable types.
type Entity interface {
	// TableName returns the table holding this entity type.
	TableName() string

	// GetKey returns the primary key for this entity.
	GetKey() PK

	// EntityRef returns the type-qualified reference (e.g., "pizza#uuid").
	EntityRef() string

	// EntityType returns the entity type name (e.g., "pizza").
	EntityType() string
}

// ParentChecker is implemented by entities owned by another entity.
type ParentChecker interface {
	// ParentCheck returns the existence check for the owner.
	// Returns nil when the entity has no owner.
	ParentCheck() *ConditionCheck

	// ParentRef returns the owner's entity reference (e.g., "pizza#uuid").
	// Returns empty string when the entity has no owner.
	ParentRef() string
}

// ReferenceChecker is implemented by entities that point at other records by
// id. Every reference must exist when the entity is written.
type ReferenceChecker interface {
	ReferenceChecks() []ConditionCheck
}

// ConditionCheck identifies a record that must exist for a write to commit.
type ConditionCheck struct {
	TableName string
	Key       PK
}

// UniqueFielder is implemented by entities with unique field constraints.
type UniqueFielder interface {
	// UniqueFields returns field name to value mappings for fields that must
	// be unique across the entity type. Values are compared as returned, so
	// entities normalize them first.
	UniqueFields() map[string]string
}

// Filter is a client-side scan predicate. A nil Filter accepts every item.
type Filter func(*Item) bool

// DeleteOptions configures delete behavior.
type DeleteOptions struct {
	// Cascade deletes every record that back-references the entity in the
	// same transaction.
	Cascade bool
}

// Item represents a retrieved record with its managed fields decoded.
type Item struct {
	// Raw is the raw record.
	Raw map[string]types.AttributeValue

	// Version is the optimistic lock version.
	Version int64

	// CreatedAt is the ISO 8601 creation timestamp.
	CreatedAt string

	// UpdatedAt is the ISO 8601 last update timestamp.
	UpdatedAt string

	// EntityRef is the type-qualified entity reference.
	EntityRef string

	// ParentRef is the owner's entity reference (empty for unowned records).
	ParentRef string

	// UniquePKs are the constraint rows claimed by the record.
	UniquePKs []string
}

// String returns the string attribute name of the item, or "".
func (i *Item) String(name string) string {
	if i == nil {
		return ""
	}
	if v, ok := i.Raw[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// ChildRef represents a link from an owner to one of its owned records.
type ChildRef struct {
	// Ref is the child's entity reference.
	Ref string

	// TableName is the table containing the child.
	TableName string

	// Key is the primary key to locate the child.
	Key PK

	// ShardPK is the relationship table partition key.
	ShardPK string
}

// UniqueClaim is one constraint row an entity must hold.
type UniqueClaim struct {
	PK    string
	Field string
	Value string
}

// Managed attribute names. Callers never set these; updates never touch them.
const (
	AttrID        = "id"
	AttrEntityRef = "entity_ref"
	AttrParentRef = "parent_ref"
	AttrVersion   = "version"
	AttrCreatedAt = "created_at"
	AttrUpdatedAt = "updated_at"
	AttrUniquePKs = "_unique_pks"
)

// MaxTransactItems is the number of actions a single transaction accepts.
const MaxTransactItems = 100

// IsManagedAttr reports whether an attribute is owned by the store rather
// than by the entity payload.
func IsManagedAttr(name string) bool {
	switch name {
	case AttrID, AttrEntityRef, AttrParentRef, AttrVersion, AttrCreatedAt, AttrUpdatedAt, AttrUniquePKs:
		return true
	}
	return false
}

// ParentRefOf returns the owner reference of an entity, or "".
func ParentRefOf(entity Entity) string {
	if checker, ok := entity.(ParentChecker); ok {
		return checker.ParentRef()
	}
	return ""
}

// UniqueClaimsOf returns the constraint rows an entity must hold, ordered by field.
func UniqueClaimsOf(entity Entity) []UniqueClaim {
	uf, ok := entity.(UniqueFielder)
	if !ok {
		return nil
	}
	fields := uf.UniqueFields()
	claims := make([]UniqueClaim, 0, len(fields))
	for field, value := range fields {
		claims = append(claims, UniqueClaim{
			PK:    shard.UniqueConstraintPK(entity.EntityType(), field, value),
			Field: field,
			Value: value,
		})
	}
	sort.Slice(claims, func(a, b int) bool { return claims[a].Field < claims[b].Field })
	return claims
}

// ClaimPKs returns the constraint keys of a set of claims.
func ClaimPKs(claims []UniqueClaim) []string {
	pks := make([]string, len(claims))
	for i, c := range claims {
		pks[i] = c.PK
	}
	return pks
}

// StampCreate sets the managed fields of a new record. created_at is kept if
// the payload already carries one.
func StampCreate(entity Entity, item map[string]types.AttributeValue, claims []UniqueClaim, now time.Time) {
	nowISO := now.UTC().Format(time.RFC3339)
	item[AttrEntityRef] = &types.AttributeValueMemberS{Value: entity.EntityRef()}
	item[AttrVersion] = &types.AttributeValueMemberN{Value: "1"}
	if _, ok := item[AttrCreatedAt]; !ok {
		item[AttrCreatedAt] = &types.AttributeValueMemberS{Value: nowISO}
	}
	item[AttrUpdatedAt] = &types.AttributeValueMemberS{Value: nowISO}
	if parentRef := ParentRefOf(entity); parentRef != "" {
		item[AttrParentRef] = &types.AttributeValueMemberS{Value: parentRef}
	}
	if len(claims) > 0 {
		item[AttrUniquePKs] = StringListAttr(ClaimPKs(claims))
	}
}

// DiffClaims splits the claims an entity needs into the keys it must newly
// acquire and the previously held keys it must release.
func DiffClaims(held []string, want []UniqueClaim) (acquire []UniqueClaim, release []string) {
	heldSet := make(map[string]bool, len(held))
	for _, pk := range held {
		heldSet[pk] = true
	}
	wantSet := make(map[string]bool, len(want))
	for _, c := range want {
		wantSet[c.PK] = true
		if !heldSet[c.PK] {
			acquire = append(acquire, c)
		}
	}
	for _, pk := range held {
		if !wantSet[pk] {
			release = append(release, pk)
		}
	}
	return acquire, release
}

// NewItem decodes the managed fields of a raw record.
func NewItem(raw map[string]types.AttributeValue) *Item {
	item := &Item{Raw: raw}

	if v, ok := raw[AttrVersion].(*types.AttributeValueMemberN); ok {
		item.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		item.CreatedAt = v.Value
	}
	if v, ok := raw[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		item.UpdatedAt = v.Value
	}
	if v, ok := raw[AttrEntityRef].(*types.AttributeValueMemberS); ok {
		item.EntityRef = v.Value
	}
	if v, ok := raw[AttrParentRef].(*types.AttributeValueMemberS); ok {
		item.ParentRef = v.Value
	}
	if v, ok := raw[AttrUniquePKs].(*types.AttributeValueMemberL); ok {
		for _, el := range v.Value {
			if s, ok := el.(*types.AttributeValueMemberS); ok {
				item.UniquePKs = append(item.UniquePKs, s.Value)
			}
		}
	}

	return item
}

// SplitRef splits an entity reference into its type and id.
func SplitRef(ref string) (entityType, id string) {
	entityType, id, _ = strings.Cut(ref, "#")
	return entityType, id
}

// RefEntity returns a minimal Entity addressing an existing record. It is
// enough for deletes of records known only through a ChildRef.
func RefEntity(table string, key PK, ref string) Entity {
	return refEntity{table: table, key: key, ref: ref}
}

type refEntity struct {
	table string
	key   PK
	ref   string
}

func (r refEntity) TableName() string { return r.table }
func (r refEntity) GetKey() PK        { return r.key }
func (r refEntity) EntityRef() string { return r.ref }
func (r refEntity) EntityType() string {
	t, _ := SplitRef(r.ref)
	return t
}

// StringListAttr encodes a list of strings as a list attribute.
func StringListAttr(values []string) *types.AttributeValueMemberL {
	l := make([]types.AttributeValue, len(values))
	for i, v := range values {
		l[i] = &types.AttributeValueMemberS{Value: v}
	}
	return &types.AttributeValueMemberL{Value: l}
}
