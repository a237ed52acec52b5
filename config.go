package espalier

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jacentio/espalier/hierarchy"
)

// Config is the engine's startup configuration. Values are read once from the
// environment and never mutated at runtime.
type Config struct {
	// Table bindings, one per entity type.
	ClientsTable    string `env:"CLIENTS_TABLE" envDefault:"core-automation-clients"`
	PortfoliosTable string `env:"PORTFOLIOS_TABLE" envDefault:"core-automation-portfolios"`
	AppsTable       string `env:"APPS_TABLE" envDefault:"core-automation-apps"`
	ZonesTable      string `env:"ZONES_TABLE" envDefault:"core-automation-zones"`
	ItemsTable      string `env:"ITEMS_TABLE" envDefault:"core-automation-items"`
	EventsTable     string `env:"EVENTS_TABLE" envDefault:"core-automation-events"`

	// LogLevel sets slog verbosity (DEBUG, INFO, WARN, ERROR).
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	// MaxRetryAttempts is the per-delete attempt budget.
	MaxRetryAttempts int `env:"MAX_RETRY_ATTEMPTS" envDefault:"5"`

	// RetryBase and RetryCeiling bound the exponential backoff interval.
	RetryBase    time.Duration `env:"RETRY_BASE" envDefault:"50ms"`
	RetryCeiling time.Duration `env:"RETRY_CEILING" envDefault:"2s"`

	// MaxCascadeDepth bounds cascade recursion. The default of 6 covers the
	// item tree (portfolio, app, branch, build, component) plus its events.
	MaxCascadeDepth int `env:"MAX_CASCADE_DEPTH" envDefault:"6"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("espalier: parse config: %w", err)
	}
	return cfg, nil
}

// Schema builds the table bindings for this configuration.
func (c Config) Schema() (*hierarchy.Schema, error) {
	return hierarchy.NewSchema(
		hierarchy.TableBinding{Type: TypeClient, Table: c.ClientsTable, HashAttr: "Client"},
		hierarchy.TableBinding{Type: TypePortfolio, Table: c.PortfoliosTable, HashAttr: "Client", RangeAttr: "Portfolio"},
		hierarchy.TableBinding{Type: TypeApp, Table: c.AppsTable, HashAttr: "ClientPortfolio", RangeAttr: "AppRegex"},
		hierarchy.TableBinding{Type: TypeZone, Table: c.ZonesTable, HashAttr: "ClientPortfolio", RangeAttr: "Zone"},
		hierarchy.TableBinding{Type: TypeItem, Table: c.ItemsTable, HashAttr: "prn"},
		hierarchy.TableBinding{Type: TypeEvent, Table: c.EventsTable, HashAttr: "prn", RangeAttr: "timestamp"},
	)
}
