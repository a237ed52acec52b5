package espalier

import (
	"log/slog"

	"github.com/jacentio/espalier/cascade"
	"github.com/jacentio/espalier/hierarchy"
	"github.com/jacentio/espalier/stream"
)

// Entity types of the core-automation hierarchy.
const (
	TypeClient    hierarchy.EntityType = "client"
	TypePortfolio hierarchy.EntityType = "portfolio"
	TypeApp       hierarchy.EntityType = "app"
	TypeZone      hierarchy.EntityType = "zone"
	TypeItem      hierarchy.EntityType = "item"
	TypeEvent     hierarchy.EntityType = "event"
)

// DefaultRegistry returns the cascade rules for the core-automation
// hierarchy: clients own portfolios, portfolios own apps and zones, items own
// child items (through the parent GSI) and their events. Apps, zones, and
// events are terminal.
//
// Events cascade from items one way only; removing an event triggers nothing.
func DefaultRegistry() *hierarchy.Registry {
	r := hierarchy.NewRegistry()

	r.Register(hierarchy.Rule{
		Parent:   TypeClient,
		Child:    TypePortfolio,
		HashAttr: "Client",
		Match:    hierarchy.MatchString("Client"),
	})
	r.Register(hierarchy.Rule{
		Parent:   TypePortfolio,
		Child:    TypeApp,
		HashAttr: "ClientPortfolio",
		Match:    hierarchy.MatchJoined(":", "Client", "Portfolio"),
	})
	r.Register(hierarchy.Rule{
		Parent:   TypePortfolio,
		Child:    TypeZone,
		HashAttr: "ClientPortfolio",
		Match:    hierarchy.MatchJoined(":", "Client", "Portfolio"),
	})
	r.Register(hierarchy.Rule{
		Parent:   TypeItem,
		Child:    TypeItem,
		Index:    "parent-created_at-index",
		HashAttr: "parent_prn",
		Match:    hierarchy.MatchString("prn"),
	})
	r.Register(hierarchy.Rule{
		Parent:   TypeItem,
		Child:    TypeEvent,
		HashAttr: "prn",
		Match:    hierarchy.MatchString("prn"),
	})

	return r
}

// New wires the full engine for the default hierarchy and returns its stream
// handler. Registry validation happens here, so misconfiguration fails at
// startup rather than mid-batch.
func New(client cascade.DynamoAPI, cfg Config, logger *slog.Logger) (*stream.Handler, error) {
	return NewWithRegistry(client, cfg, DefaultRegistry(), logger)
}

// NewWithRegistry wires the engine with a caller-supplied rule registry,
// allowing the surrounding application to declare its own hierarchy.
func NewWithRegistry(client cascade.DynamoAPI, cfg Config, registry *hierarchy.Registry, logger *slog.Logger) (*stream.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	schema, err := cfg.Schema()
	if err != nil {
		return nil, err
	}
	if err := registry.Validate(schema); err != nil {
		return nil, err
	}

	resolver := cascade.NewResolver(client, schema, registry, logger)
	executor := cascade.NewExecutor(client, resolver, cascade.ExecutorOptions{
		MaxAttempts:  cfg.MaxRetryAttempts,
		RetryBase:    cfg.RetryBase,
		RetryCeiling: cfg.RetryCeiling,
		MaxDepth:     cfg.MaxCascadeDepth,
	}, logger)

	return stream.NewHandler(schema, executor, logger), nil
}
