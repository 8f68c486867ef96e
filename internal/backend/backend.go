// Package backend opens the record store named by the configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/jacentio/pizzeria/catalog"
	"github.com/jacentio/pizzeria/internal/config"
	"github.com/jacentio/pizzeria/store"
	"github.com/jacentio/pizzeria/store/memstore"
	"github.com/jacentio/pizzeria/store/sqlstore"
)

// Backend is an open record store.
type Backend struct {
	Store  store.Adapter
	Tables catalog.Tables

	db *gorm.DB
}

// Open connects to the configured store.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Backend, error) {
	b := &Backend{
		Tables: catalog.Tables{
			Pizzas:   cfg.Store.Tables.Pizzas,
			Toppings: cfg.Store.Tables.Toppings,
		},
	}

	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		client, err := NewDynamoDBClient(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		// A local DynamoDB starts empty
		if cfg.IsDevelopment() && cfg.AWS.Endpoint != "" {
			if err := EnsureTables(ctx, client, cfg.Store.Tables, time.Minute); err != nil {
				return nil, err
			}
		}
		b.Store = store.New(client, StoreConfig(cfg.Store))

	case config.BackendSQLite, config.BackendPostgres:
		db, err := sqlstore.Open(sqlstore.Config{
			Driver:          cfg.Store.Backend,
			DSN:             cfg.Database.DSN,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		b.db = db
		b.Store = sqlstore.New(db)

	case config.BackendMemory:
		b.Store = memstore.New()

	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}

	logger.Info().
		Str("backend", cfg.Store.Backend).
		Str("pizzas", b.Tables.Pizzas).
		Str("toppings", b.Tables.Toppings).
		Msg("store opened")
	return b, nil
}

// Close releases the database connection pool, if any.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StoreConfig maps the store settings onto the DynamoDB store's config.
func StoreConfig(cfg config.StoreConfig) store.Config {
	return store.Config{
		RelationshipTable: cfg.Tables.Relationships,
		UniqueTable:       cfg.Tables.Unique,
		NumShards:         cfg.NumShards,
	}
}

// NewDynamoDBClient builds a client from the default credential chain,
// narrowed by the configured profile, region and endpoint.
func NewDynamoDBClient(ctx context.Context, cfg config.AWSConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
