package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/pizzeria/internal/config"
)

// TableAPI is the part of the DynamoDB client used to manage tables.
type TableAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// TableInputs returns the create requests for every table the catalog uses.
// Record tables stream old images so removals can be cleaned up after.
func TableInputs(tables config.TablesConfig) []*dynamodb.CreateTableInput {
	stream := &types.StreamSpecification{
		StreamEnabled:  aws.Bool(true),
		StreamViewType: types.StreamViewTypeOldImage,
	}

	inputs := make([]*dynamodb.CreateTableInput, 0, 4)
	for _, name := range []string{tables.Pizzas, tables.Toppings} {
		inputs = append(inputs, &dynamodb.CreateTableInput{
			TableName: aws.String(name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode:         types.BillingModePayPerRequest,
			StreamSpecification: stream,
		})
	}

	inputs = append(inputs,
		compositeTable(tables.Relationships, "pk", "child_ref"),
		compositeTable(tables.Unique, "pk", "sk"),
	)
	return inputs
}

func compositeTable(name, hash, rangeKey string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(rangeKey), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(hash), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(rangeKey), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}

// EnsureTables creates any missing table and waits until all are active.
// Existing tables are left as they are.
func EnsureTables(ctx context.Context, client TableAPI, tables config.TablesConfig, wait time.Duration) error {
	inputs := TableInputs(tables)
	for _, in := range inputs {
		_, err := client.CreateTable(ctx, in)
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", aws.ToString(in.TableName), err)
		}
	}

	if wait <= 0 {
		return nil
	}
	waiter := dynamodb.NewTableExistsWaiter(client)
	for _, in := range inputs {
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: in.TableName}, wait); err != nil {
			return fmt.Errorf("wait for table %s: %w", aws.ToString(in.TableName), err)
		}
	}
	return nil
}

// DropTables deletes every catalog table, ignoring ones already gone.
func DropTables(ctx context.Context, client TableAPI, tables config.TablesConfig) error {
	var errs []error
	for _, in := range TableInputs(tables) {
		_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: in.TableName})
		var missing *types.ResourceNotFoundException
		if err != nil && !errors.As(err, &missing) {
			errs = append(errs, fmt.Errorf("delete table %s: %w", aws.ToString(in.TableName), err))
		}
	}
	return errors.Join(errs...)
}
