package store

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Adapter is the key-value contract the catalog is written against.
//
// Every call is a single request/response round trip with no retries: any
// failure is returned to the caller as is.
type Adapter interface {
	// Get retrieves a record by key, returning ErrNotFound if it is missing.
	Get(ctx context.Context, table string, key PK) (*Item, error)

	// Scan reads every record of a table and keeps those accepted by filter.
	// Order is unspecified.
	Scan(ctx context.Context, table string, filter Filter) ([]*Item, error)

	// Create writes a new record together with its owner check, reference
	// checks, unique claims and relationship link, atomically.
	Create(ctx context.Context, entity Entity, item map[string]types.AttributeValue) error

	// Update replaces the payload attributes of a record whose version is
	// expectedVersion, re-checking references and swapping unique claims.
	Update(ctx context.Context, entity Entity, item map[string]types.AttributeValue, expectedVersion int64) error

	// Delete removes a record with its claims and link, atomically.
	Delete(ctx context.Context, entity Entity, opts DeleteOptions) error

	// HasActiveChildren reports whether any record back-references entityRef.
	HasActiveChildren(ctx context.Context, entityRef string) (bool, error)

	// QueryAllChildren returns the links of every record owned by parentRef.
	QueryAllChildren(ctx context.Context, parentRef string) ([]ChildRef, error)

	// Unlink drops a single relationship link.
	Unlink(ctx context.Context, parentRef, childRef string) error
}

var _ Adapter = (*Store)(nil)
