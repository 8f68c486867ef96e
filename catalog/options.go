package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacentio/pizzeria/store"
)

// Tables names the record tables.
type Tables struct {
	Pizzas   string
	Toppings string
}

// DefaultTables returns the table names used when none are configured.
func DefaultTables() Tables {
	return Tables{Pizzas: "pizzas", Toppings: "toppings"}
}

// Relationships returns the ownership registry: a pizza owns the toppings
// whose pizza_id points at it.
func Relationships(tables Tables) *store.Registry {
	return store.NewRegistry(store.Relationship{
		ParentType:     pizzaType,
		ChildType:      toppingType,
		ChildTableName: tables.Toppings,
		ParentKeyAttr:  "pizza_id",
	})
}

type options struct {
	tables Tables
	newID  func() string
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a service.
type Option func(*options)

// WithTables overrides the record table names.
func WithTables(t Tables) Option {
	return func(o *options) { o.tables = t }
}

// WithIDGenerator overrides how new ids are made.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithClock overrides the creation time source. Toppings carry no
// timestamp, so ToppingService ignores it.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

// WithLogger sets the service logger. The global logger is used otherwise.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{
		tables: DefaultTables(),
		newID:  uuid.NewString,
		now:    time.Now,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
