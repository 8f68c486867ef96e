package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/pizzeria/internal/shard"
)

const (
	existsCondition    = "attribute_exists(id)"
	notExistsCondition = "attribute_not_exists(id)"
	constraintSK       = "CONSTRAINT"
)

// Store implements Adapter on DynamoDB.
type Store struct {
	client Client
	config Config
	now    func() time.Time
}

// New creates a new Store instance.
func New(client Client, config Config) *Store {
	return &Store{
		client: client,
		config: config.withDefaults(),
		now:    time.Now,
	}
}

// relationshipPK computes the sharded partition key for a relationship record.
func (s *Store) relationshipPK(parentRef, childRef string) string {
	return shard.RelationshipPK(parentRef, childRef, s.config.NumShards)
}

// Create creates a new record with owner validation, reference validation and
// unique constraints in a single transaction.
func (s *Store) Create(ctx context.Context, entity Entity, item map[string]types.AttributeValue) error {
	var (
		items []types.TransactWriteItem
		roles []error
	)

	// 1. Owner must exist
	if checker, ok := entity.(ParentChecker); ok {
		if check := checker.ParentCheck(); check != nil {
			items = append(items, existsCheck(*check))
			roles = append(roles, ErrParentNotFound)
		}
	}

	// 2. Every referenced record must exist
	if rc, ok := entity.(ReferenceChecker); ok {
		for _, check := range rc.ReferenceChecks() {
			items = append(items, existsCheck(check))
			roles = append(roles, ErrReferenceNotFound)
		}
	}

	// 3. Managed fields and unique claims
	for k, v := range entity.GetKey() {
		item[k] = v
	}
	claims := UniqueClaimsOf(entity)
	StampCreate(entity, item, claims, s.now())
	for _, claim := range claims {
		items = append(items, s.claimPut(entity, claim))
		roles = append(roles, ErrDuplicateValue)
	}

	// 4. The record itself
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(entity.TableName()),
			Item:                item,
			ConditionExpression: aws.String(notExistsCondition),
		},
	})
	roles = append(roles, ErrAlreadyExists)

	// 5. Link to the owner
	if parentRef := ParentRefOf(entity); parentRef != "" {
		childRef := entity.EntityRef()
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.config.RelationshipTable),
				Item: map[string]types.AttributeValue{
					"pk":          &types.AttributeValueMemberS{Value: s.relationshipPK(parentRef, childRef)},
					"child_ref":   &types.AttributeValueMemberS{Value: childRef},
					"parent_ref":  &types.AttributeValueMemberS{Value: parentRef},
					"child_table": &types.AttributeValueMemberS{Value: entity.TableName()},
					"child_key":   &types.AttributeValueMemberM{Value: entity.GetKey()},
				},
			},
		})
		roles = append(roles, nil)
	}

	if len(items) > MaxTransactItems {
		return ErrTooManyItems
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err, roles)
}

// Get retrieves a record by key, returning ErrNotFound if it is missing.
func (s *Store) Get(ctx context.Context, table string, key PK) (*Item, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return NewItem(result.Item), nil
}

// Scan reads every page of a table and applies filter client-side.
func (s *Store) Scan(ctx context.Context, table string, filter Filter) ([]*Item, error) {
	var items []*Item
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			item := NewItem(raw)
			if filter == nil || filter(item) {
				items = append(items, item)
			}
		}
	}
	return items, nil
}

// Update replaces the payload of a record with optimistic locking.
// Reference checks are re-run and changed unique claims are swapped in the
// same transaction.
func (s *Store) Update(ctx context.Context, entity Entity, item map[string]types.AttributeValue, expectedVersion int64) error {
	var refs []ConditionCheck
	if rc, ok := entity.(ReferenceChecker); ok {
		refs = rc.ReferenceChecks()
	}
	_, hasUniqueFields := entity.(UniqueFielder)

	// Fast path: nothing to check besides the version
	if len(refs) == 0 && !hasUniqueFields {
		return s.updateSimple(ctx, entity, item, expectedVersion)
	}

	var acquire []UniqueClaim
	var release []string
	claims := UniqueClaimsOf(entity)
	if hasUniqueFields {
		current, err := s.Get(ctx, entity.TableName(), entity.GetKey())
		if errors.Is(err, ErrNotFound) {
			return ErrConcurrentModification
		}
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrConcurrentModification
		}
		acquire, release = DiffClaims(current.UniquePKs, claims)
	}

	if len(refs) == 0 && len(acquire) == 0 && len(release) == 0 {
		return s.updateSimple(ctx, entity, item, expectedVersion)
	}

	var (
		items []types.TransactWriteItem
		roles []error
	)
	for _, check := range refs {
		items = append(items, existsCheck(check))
		roles = append(roles, ErrReferenceNotFound)
	}
	for _, pk := range release {
		items = append(items, s.claimDelete(pk))
		roles = append(roles, nil)
	}
	for _, claim := range acquire {
		items = append(items, s.claimPut(entity, claim))
		roles = append(roles, ErrDuplicateValue)
	}

	upd := s.buildUpdate(entity, item, expectedVersion, claims, hasUniqueFields)
	items = append(items, types.TransactWriteItem{Update: &types.Update{
		TableName:                 upd.TableName,
		Key:                       upd.Key,
		UpdateExpression:          upd.UpdateExpression,
		ConditionExpression:       upd.ConditionExpression,
		ExpressionAttributeNames:  upd.ExpressionAttributeNames,
		ExpressionAttributeValues: upd.ExpressionAttributeValues,
	}})
	roles = append(roles, ErrConcurrentModification)

	if len(items) > MaxTransactItems {
		return ErrTooManyItems
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err, roles)
}

// updateSimple performs a version-checked update without any side rows.
func (s *Store) updateSimple(ctx context.Context, entity Entity, item map[string]types.AttributeValue, expectedVersion int64) error {
	_, err := s.client.UpdateItem(ctx, s.buildUpdate(entity, item, expectedVersion, nil, false))
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return err
	}
	return nil
}

// buildUpdate renders the SET expression for the payload attributes of item.
// Managed fields are skipped; attributes are visited in name order so the
// expression is stable.
func (s *Store) buildUpdate(entity Entity, item map[string]types.AttributeValue, expectedVersion int64, claims []UniqueClaim, setClaims bool) *dynamodb.UpdateItemInput {
	now := s.now().UTC().Format(time.RFC3339)

	exprNames := map[string]string{
		"#id":         AttrID,
		"#updated_at": AttrUpdatedAt,
		"#version":    AttrVersion,
	}
	exprValues := map[string]types.AttributeValue{
		":updated_at":       &types.AttributeValueMemberS{Value: now},
		":one":              &types.AttributeValueMemberN{Value: "1"},
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
	}

	names := make([]string, 0, len(item))
	for k := range item {
		if !IsManagedAttr(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	setClauses := make([]string, 0, len(names)+3)
	for i, k := range names {
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		exprNames[nameKey] = k
		exprValues[valueKey] = item[k]
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
	}
	setClauses = append(setClauses, "#updated_at = :updated_at", "#version = #version + :one")

	if setClaims {
		exprNames["#unique_pks"] = AttrUniquePKs
		exprValues[":unique_pks"] = StringListAttr(ClaimPKs(claims))
		setClauses = append(setClauses, "#unique_pks = :unique_pks")
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(entity.TableName()),
		Key:                       entity.GetKey(),
		UpdateExpression:          aws.String("SET " + strings.Join(setClauses, ", ")),
		ConditionExpression:       aws.String("attribute_exists(#id) AND #version = :expected_version"),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	}
}

// Delete removes a record, its unique claims and its owner link in one
// transaction. With opts.Cascade every record linked to it is removed in the
// same transaction. Each record delete is conditioned on the version read
// here, so a concurrent rename fails the delete instead of stranding the
// claim it acquired.
func (s *Store) Delete(ctx context.Context, entity Entity, opts DeleteOptions) error {
	current, err := s.Get(ctx, entity.TableName(), entity.GetKey())
	if err != nil {
		return err
	}

	items, roles := s.removal(entity.TableName(), entity.GetKey(), current)

	if opts.Cascade {
		children, err := s.QueryAllChildren(ctx, entity.EntityRef())
		if err != nil {
			return fmt.Errorf("query children: %w", err)
		}
		for _, child := range children {
			childItem, err := s.Get(ctx, child.TableName, child.Key)
			if errors.Is(err, ErrNotFound) {
				// Link outlived its record; drop the link only
				items = append(items, s.linkDelete(child.ShardPK, child.Ref))
				roles = append(roles, nil)
				continue
			}
			if err != nil {
				return fmt.Errorf("get child %s: %w", child.Ref, err)
			}
			ci, cr := s.removal(child.TableName, child.Key, childItem)
			items = append(items, ci...)
			roles = append(roles, cr...)
		}
	}

	if len(items) > MaxTransactItems {
		return ErrTooManyItems
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if vanished(err, 0) {
		return ErrNotFound
	}
	return mapTransactionError(err, roles)
}

// removal returns the actions deleting one record at the version it was read
// at, together with its side rows.
func (s *Store) removal(table string, key PK, item *Item) ([]types.TransactWriteItem, []error) {
	del := &types.Delete{
		TableName:           aws.String(table),
		Key:                 key,
		ConditionExpression: aws.String("attribute_exists(#id) AND #version = :expected_version"),
		ExpressionAttributeNames: map[string]string{
			"#id":      AttrID,
			"#version": AttrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(item.Version, 10)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	items := []types.TransactWriteItem{{Delete: del}}
	roles := []error{ErrConcurrentModification}

	for _, pk := range item.UniquePKs {
		items = append(items, s.claimDelete(pk))
		roles = append(roles, nil)
	}
	if item.ParentRef != "" && item.EntityRef != "" {
		items = append(items, s.linkDelete(s.relationshipPK(item.ParentRef, item.EntityRef), item.EntityRef))
		roles = append(roles, nil)
	}
	return items, roles
}

// vanished reports whether action i of a cancelled transaction failed its
// condition because the record no longer exists.
func vanished(err error, i int) bool {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) || i >= len(txErr.CancellationReasons) {
		return false
	}
	reason := txErr.CancellationReasons[i]
	return aws.ToString(reason.Code) == "ConditionalCheckFailed" && len(reason.Item) == 0
}

// HasActiveChildren checks if any record is linked to entityRef.
func (s *Store) HasActiveChildren(ctx context.Context, entityRef string) (bool, error) {
	numShards := s.config.NumShards
	if numShards < 1 {
		numShards = 1
	}

	// Fast path for single shard (default)
	if numShards == 1 {
		return s.hasChildrenInShard(ctx, shard.ShardPK(entityRef, 0))
	}

	// Multi-shard fan-out with early cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan bool, 1)
	errs := make(chan error, numShards)
	var wg sync.WaitGroup

	for shardNum := 0; shardNum < numShards; shardNum++ {
		wg.Add(1)
		go func(shardNum int) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			default:
			}

			has, err := s.hasChildrenInShard(ctx, shard.ShardPK(entityRef, shardNum))
			if err != nil {
				errs <- err
				return
			}
			if has {
				select {
				case found <- true:
					cancel()
				default:
				}
			}
		}(shardNum)
	}

	go func() {
		wg.Wait()
		close(found)
		close(errs)
	}()

	if <-found {
		return true, nil
	}

	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return false, err
		}
	}

	return false, nil
}

func (s *Store) hasChildrenInShard(ctx context.Context, shardPK string) (bool, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.RelationshipTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: shardPK},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(result.Items) > 0, nil
}

// QueryAllChildren returns the links of every record owned by parentRef.
func (s *Store) QueryAllChildren(ctx context.Context, parentRef string) ([]ChildRef, error) {
	numShards := s.config.NumShards
	if numShards < 1 {
		numShards = 1
	}

	// Fast path for single shard (default)
	if numShards == 1 {
		return s.queryShard(ctx, shard.ShardPK(parentRef, 0))
	}

	// Multi-shard fan-out
	var mu sync.Mutex
	var allChildren []ChildRef
	var wg sync.WaitGroup
	errs := make(chan error, numShards)

	for shardNum := 0; shardNum < numShards; shardNum++ {
		wg.Add(1)
		go func(shardNum int) {
			defer wg.Done()

			shardChildren, err := s.queryShard(ctx, shard.ShardPK(parentRef, shardNum))
			if err != nil {
				errs <- fmt.Errorf("shard %02x: %w", shardNum, err)
				return
			}

			mu.Lock()
			allChildren = append(allChildren, shardChildren...)
			mu.Unlock()
		}(shardNum)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return allChildren, nil
}

func (s *Store) queryShard(ctx context.Context, shardPK string) ([]ChildRef, error) {
	var children []ChildRef

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.RelationshipTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: shardPK},
		},
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			children = append(children, s.unmarshalChildRef(item, shardPK))
		}
	}

	return children, nil
}

// Unlink drops the relationship row between parentRef and childRef.
func (s *Store) Unlink(ctx context.Context, parentRef, childRef string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.RelationshipTable),
		Key: map[string]types.AttributeValue{
			"pk":        &types.AttributeValueMemberS{Value: s.relationshipPK(parentRef, childRef)},
			"child_ref": &types.AttributeValueMemberS{Value: childRef},
		},
	})
	return err
}

// claimPut writes the constraint row for claim. It fails if any record of the
// same type already holds the value.
func (s *Store) claimPut(entity Entity, claim UniqueClaim) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.UniqueTable),
			Item: map[string]types.AttributeValue{
				"pk":          &types.AttributeValueMemberS{Value: claim.PK},
				"sk":          &types.AttributeValueMemberS{Value: constraintSK},
				"entity_type": &types.AttributeValueMemberS{Value: entity.EntityType()},
				"field_name":  &types.AttributeValueMemberS{Value: claim.Field},
				"field_value": &types.AttributeValueMemberS{Value: claim.Value},
				"entity_ref":  &types.AttributeValueMemberS{Value: entity.EntityRef()},
			},
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}
}

func (s *Store) claimDelete(pk string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.config.UniqueTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: pk},
				"sk": &types.AttributeValueMemberS{Value: constraintSK},
			},
		},
	}
}

func (s *Store) linkDelete(shardPK, childRef string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.config.RelationshipTable),
			Key: map[string]types.AttributeValue{
				"pk":        &types.AttributeValueMemberS{Value: shardPK},
				"child_ref": &types.AttributeValueMemberS{Value: childRef},
			},
		},
	}
}

func existsCheck(check ConditionCheck) types.TransactWriteItem {
	return types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:           aws.String(check.TableName),
			Key:                 check.Key,
			ConditionExpression: aws.String(existsCondition),
		},
	}
}

// mapTransactionError maps a cancelled transaction to the error registered
// for the first action whose condition failed. roles[i] is the error for
// action i; nil roles are never reported.
func mapTransactionError(err error, roles []error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" {
				continue
			}
			if i < len(roles) && roles[i] != nil {
				return roles[i]
			}
		}
	}

	return err
}

// unmarshalChildRef converts a relationship item to a ChildRef.
func (s *Store) unmarshalChildRef(item map[string]types.AttributeValue, shardPK string) ChildRef {
	ref := ChildRef{ShardPK: shardPK}

	if v, ok := item["child_ref"].(*types.AttributeValueMemberS); ok {
		ref.Ref = v.Value
	}
	if v, ok := item["child_table"].(*types.AttributeValueMemberS); ok {
		ref.TableName = v.Value
	}
	if v, ok := item["child_key"].(*types.AttributeValueMemberM); ok {
		ref.Key = v.Value
	}

	return ref
}
