// Command api serves the pizza and topping catalog behind API Gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/pizzeria/api"
	"github.com/jacentio/pizzeria/catalog"
	"github.com/jacentio/pizzeria/internal/backend"
	"github.com/jacentio/pizzeria/internal/config"
	"github.com/jacentio/pizzeria/internal/logging"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "api failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg.Log, "api")
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer b.Close()

	opts := []catalog.Option{
		catalog.WithTables(b.Tables),
		catalog.WithLogger(logger),
	}
	router := api.NewRouter(
		catalog.NewPizzaService(b.Store, opts...),
		catalog.NewToppingService(b.Store, opts...),
		api.WithLogger(logger),
	)

	logger.Info().Str("env", cfg.Env).Msg("api starting")
	lambda.Start(router.HandleAPIGateway)
	return nil
}
