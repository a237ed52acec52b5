package espalier_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier"
	"github.com/jacentio/espalier/hierarchy"
	"github.com/jacentio/espalier/internal/dynamotest"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := espalier.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ClientsTable != "core-automation-clients" {
		t.Errorf("unexpected clients table %q", cfg.ClientsTable)
	}
	if cfg.EventsTable != "core-automation-events" {
		t.Errorf("unexpected events table %q", cfg.EventsTable)
	}
	if cfg.MaxRetryAttempts != 5 {
		t.Errorf("expected 5 retry attempts, got %d", cfg.MaxRetryAttempts)
	}
	if cfg.RetryBase != 50*time.Millisecond || cfg.RetryCeiling != 2*time.Second {
		t.Errorf("unexpected backoff bounds %v/%v", cfg.RetryBase, cfg.RetryCeiling)
	}
	if cfg.MaxCascadeDepth != 6 {
		t.Errorf("expected depth 6, got %d", cfg.MaxCascadeDepth)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CLIENTS_TABLE", "acme-clients")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MAX_RETRY_ATTEMPTS", "7")
	t.Setenv("RETRY_BASE", "10ms")
	t.Setenv("MAX_CASCADE_DEPTH", "3")

	cfg, err := espalier.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ClientsTable != "acme-clients" {
		t.Errorf("unexpected clients table %q", cfg.ClientsTable)
	}
	if cfg.MaxRetryAttempts != 7 {
		t.Errorf("expected 7 attempts, got %d", cfg.MaxRetryAttempts)
	}
	if cfg.RetryBase != 10*time.Millisecond {
		t.Errorf("expected 10ms base, got %v", cfg.RetryBase)
	}
	if cfg.MaxCascadeDepth != 3 {
		t.Errorf("expected depth 3, got %d", cfg.MaxCascadeDepth)
	}
}

func TestConfig_Schema(t *testing.T) {
	cfg, err := espalier.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	schema, err := cfg.Schema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	for _, typ := range []hierarchy.EntityType{
		espalier.TypeClient, espalier.TypePortfolio, espalier.TypeApp,
		espalier.TypeZone, espalier.TypeItem, espalier.TypeEvent,
	} {
		if _, ok := schema.Binding(typ); !ok {
			t.Errorf("missing binding for %q", typ)
		}
	}

	b, ok := schema.BindingForTable("core-automation-portfolios")
	if !ok || b.HashAttr != "Client" || b.RangeAttr != "Portfolio" {
		t.Errorf("unexpected portfolio binding %+v ok=%v", b, ok)
	}
}

func TestDefaultRegistry_Shape(t *testing.T) {
	r := espalier.DefaultRegistry()

	if got := len(r.RulesFor(espalier.TypeClient)); got != 1 {
		t.Errorf("expected 1 client rule, got %d", got)
	}

	portfolio := r.RulesFor(espalier.TypePortfolio)
	if len(portfolio) != 2 || portfolio[0].Child != espalier.TypeApp || portfolio[1].Child != espalier.TypeZone {
		t.Errorf("unexpected portfolio rules %+v", portfolio)
	}

	item := r.RulesFor(espalier.TypeItem)
	if len(item) != 2 || item[0].Child != espalier.TypeItem || item[1].Child != espalier.TypeEvent {
		t.Errorf("unexpected item rules %+v", item)
	}
	if item[0].Index != "parent-created_at-index" {
		t.Errorf("expected item tree rule to use the parent GSI, got %q", item[0].Index)
	}

	// Terminal types: removal of an app, zone, or event triggers nothing.
	for _, typ := range []hierarchy.EntityType{espalier.TypeApp, espalier.TypeZone, espalier.TypeEvent} {
		if r.HasChildren(typ) {
			t.Errorf("expected %q to be terminal", typ)
		}
	}
}

func TestNewWithRegistry_RejectsUnboundRule(t *testing.T) {
	cfg, err := espalier.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	registry := hierarchy.NewRegistry()
	registry.Register(hierarchy.Rule{
		Parent:   "ghost",
		Child:    espalier.TypePortfolio,
		HashAttr: "Client",
		Match:    hierarchy.MatchString("Client"),
	})

	if _, err := espalier.NewWithRegistry(dynamotest.New(), cfg, registry, nil); err == nil {
		t.Fatal("expected validation error for unbound rule")
	}
}

// TestNew_EndToEnd drives a whole batch through the wired engine: a client
// REMOVE record cascades through portfolios down to apps and zones.
func TestNew_EndToEnd(t *testing.T) {
	cfg, err := espalier.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.RetryBase = time.Millisecond
	cfg.RetryCeiling = 2 * time.Millisecond

	db := dynamotest.New()
	db.CreateTable(cfg.ClientsTable, dynamotest.Table{HashAttr: "Client"})
	db.CreateTable(cfg.PortfoliosTable, dynamotest.Table{HashAttr: "Client", RangeAttr: "Portfolio"})
	db.CreateTable(cfg.AppsTable, dynamotest.Table{HashAttr: "ClientPortfolio", RangeAttr: "AppRegex"})
	db.CreateTable(cfg.ZonesTable, dynamotest.Table{HashAttr: "ClientPortfolio", RangeAttr: "Zone"})
	db.CreateTable(cfg.ItemsTable, dynamotest.Table{
		HashAttr: "prn",
		Indexes:  map[string]dynamotest.Index{"parent-created_at-index": {HashAttr: "parent_prn"}},
	})
	db.CreateTable(cfg.EventsTable, dynamotest.Table{HashAttr: "prn", RangeAttr: "timestamp"})

	put := func(table string, attrs map[string]string) {
		item := make(map[string]types.AttributeValue, len(attrs))
		for k, v := range attrs {
			item[k] = &types.AttributeValueMemberS{Value: v}
		}
		db.Put(table, item)
	}
	put(cfg.PortfoliosTable, map[string]string{"Client": "acme", "Portfolio": "web"})
	put(cfg.PortfoliosTable, map[string]string{"Client": "acme", "Portfolio": "infra"})
	put(cfg.AppsTable, map[string]string{"ClientPortfolio": "acme:web", "AppRegex": "svc-.*"})
	put(cfg.ZonesTable, map[string]string{"ClientPortfolio": "acme:web", "Zone": "us-east"})

	handler, err := espalier.New(db, cfg, nil)
	if err != nil {
		t.Fatalf("wire engine: %v", err)
	}

	batch := events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{{
			EventID:        "1",
			EventName:      "REMOVE",
			EventSourceArn: "arn:aws:dynamodb:us-east-1:123456789012:table/" + cfg.ClientsTable + "/stream/2024-01-01T00:00:00.000",
			Change: events.DynamoDBStreamRecord{
				SequenceNumber: "1",
				Keys: map[string]events.DynamoDBAttributeValue{
					"Client": events.NewStringAttribute("acme"),
				},
				OldImage: map[string]events.DynamoDBAttributeValue{
					"Client": events.NewStringAttribute("acme"),
				},
			},
		}},
	}

	if err := handler.HandleStream(context.Background(), batch); err != nil {
		t.Fatalf("unexpected batch failure: %v", err)
	}

	for _, table := range []string{cfg.PortfoliosTable, cfg.AppsTable, cfg.ZonesTable} {
		if n := db.Count(table); n != 0 {
			t.Errorf("expected %s empty, found %d rows", table, n)
		}
	}
}
