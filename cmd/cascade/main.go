// Command cascade consumes the record tables' DynamoDB streams and cleans up
// after removals: owned toppings a pizza delete left behind, and pizza
// references to deleted toppings.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/pizzeria/catalog"
	"github.com/jacentio/pizzeria/internal/backend"
	"github.com/jacentio/pizzeria/internal/config"
	"github.com/jacentio/pizzeria/internal/logging"
	"github.com/jacentio/pizzeria/stream"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "cascade failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg.Log, "cascade")
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer b.Close()

	pizzas := catalog.NewPizzaService(b.Store,
		catalog.WithTables(b.Tables),
		catalog.WithLogger(logger),
	)

	h := stream.NewHandler(b.Store, catalog.Relationships(b.Tables), &logger)
	h.OnRemove("topping", func(ctx context.Context, id string) error {
		_, err := pizzas.RemoveToppingReferences(ctx, id)
		return err
	})

	logger.Info().Str("env", cfg.Env).Msg("cascade starting")
	lambda.Start(h.HandleRemovals)
	return nil
}
