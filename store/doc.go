// Package store is the key-value layer underneath the pizza catalog.
//
// Records live in plain tables keyed by "id". There are no secondary indexes:
// lookups by any other attribute are full-table scans with a client-side
// [Filter]. Two side tables carry the invariants the record tables cannot:
//
//   - the unique-constraint table holds one row per claimed (type, field,
//     normalized value); claims are conditional puts written in the same
//     transaction as the record, so two concurrent creates of the same name
//     cannot both commit
//   - the relationship table links an owner record to the records that
//     back-reference it, so an owner delete can remove them in the same
//     transaction
//
// # Entity Interfaces
//
// All records implement [Entity]:
//
//	type Entity interface {
//	    TableName() string
//	    GetKey() PK
//	    EntityRef() string
//	    EntityType() string
//	}
//
// Owned records also implement [ParentChecker]; records that point at other
// records by id implement [ReferenceChecker]; records with unique fields
// implement [UniqueFielder].
//
// # Implementations
//
// [Store] talks to DynamoDB. The memstore and sqlstore subpackages implement
// the same [Adapter] contract in process and on top of gorm, and all three are
// held to the suite in storetest.
//
// # Errors
//
//   - [ErrNotFound] - record doesn't exist
//   - [ErrParentNotFound] - owner validation failed
//   - [ErrReferenceNotFound] - a referenced record doesn't exist
//   - [ErrAlreadyExists] - record with that id already exists
//   - [ErrConcurrentModification] - optimistic lock failed
//   - [ErrDuplicateValue] - unique constraint violated
//   - [ErrTooManyItems] - the write does not fit one transaction
package store
