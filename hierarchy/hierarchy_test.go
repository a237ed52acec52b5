package hierarchy_test

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/hierarchy"
)

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func TestNewSchema_LookupByTypeAndTable(t *testing.T) {
	s, err := hierarchy.NewSchema(
		hierarchy.TableBinding{Type: "client", Table: "clients", HashAttr: "Client"},
		hierarchy.TableBinding{Type: "portfolio", Table: "portfolios", HashAttr: "Client", RangeAttr: "Portfolio"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b, ok := s.Binding("portfolio")
	if !ok {
		t.Fatal("expected binding for portfolio")
	}
	if b.Table != "portfolios" || b.RangeAttr != "Portfolio" {
		t.Errorf("unexpected binding %+v", b)
	}

	b, ok = s.BindingForTable("clients")
	if !ok || b.Type != "client" {
		t.Errorf("expected client binding for table clients, got %+v ok=%v", b, ok)
	}

	if _, ok := s.BindingForTable("unrelated"); ok {
		t.Error("expected no binding for unknown table")
	}
}

func TestNewSchema_DuplicateType(t *testing.T) {
	_, err := hierarchy.NewSchema(
		hierarchy.TableBinding{Type: "client", Table: "clients", HashAttr: "Client"},
		hierarchy.TableBinding{Type: "client", Table: "clients2", HashAttr: "Client"},
	)
	if err == nil {
		t.Fatal("expected error for duplicate entity type")
	}
}

func TestNewSchema_DuplicateTable(t *testing.T) {
	_, err := hierarchy.NewSchema(
		hierarchy.TableBinding{Type: "client", Table: "shared", HashAttr: "Client"},
		hierarchy.TableBinding{Type: "zone", Table: "shared", HashAttr: "Zone"},
	)
	if err == nil {
		t.Fatal("expected error for duplicate table")
	}
}

func TestNewSchema_IncompleteBinding(t *testing.T) {
	_, err := hierarchy.NewSchema(
		hierarchy.TableBinding{Type: "client", Table: "clients"},
	)
	if err == nil {
		t.Fatal("expected error for binding without hash attribute")
	}
}

func TestKeyFromImage_HashOnly(t *testing.T) {
	b := hierarchy.TableBinding{Type: "item", Table: "items", HashAttr: "prn"}

	key, err := b.KeyFromImage(map[string]types.AttributeValue{
		"prn":  str("prn:portfolio:app"),
		"name": str("extra attribute"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 1 {
		t.Fatalf("expected 1 key attribute, got %d", len(key))
	}
	if v, ok := key["prn"].(*types.AttributeValueMemberS); !ok || v.Value != "prn:portfolio:app" {
		t.Errorf("unexpected key %v", key)
	}
}

func TestKeyFromImage_Composite(t *testing.T) {
	b := hierarchy.TableBinding{Type: "portfolio", Table: "portfolios", HashAttr: "Client", RangeAttr: "Portfolio"}

	key, err := b.KeyFromImage(map[string]types.AttributeValue{
		"Client":    str("acme"),
		"Portfolio": str("web"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 2 {
		t.Fatalf("expected 2 key attributes, got %d", len(key))
	}
}

func TestKeyFromImage_MissingHash(t *testing.T) {
	b := hierarchy.TableBinding{Type: "item", Table: "items", HashAttr: "prn"}

	if _, err := b.KeyFromImage(map[string]types.AttributeValue{"name": str("x")}); err == nil {
		t.Fatal("expected error for image missing hash attribute")
	}
}

func TestKeyFromImage_MissingRange(t *testing.T) {
	b := hierarchy.TableBinding{Type: "portfolio", Table: "portfolios", HashAttr: "Client", RangeAttr: "Portfolio"}

	if _, err := b.KeyFromImage(map[string]types.AttributeValue{"Client": str("acme")}); err == nil {
		t.Fatal("expected error for image missing range attribute")
	}
}

func TestStringAttr(t *testing.T) {
	image := map[string]types.AttributeValue{
		"Client": str("acme"),
		"ttl":    &types.AttributeValueMemberN{Value: "12"},
	}

	if v, ok := hierarchy.StringAttr(image, "Client"); !ok || v != "acme" {
		t.Errorf("expected acme, got %q ok=%v", v, ok)
	}
	if _, ok := hierarchy.StringAttr(image, "ttl"); ok {
		t.Error("expected ok=false for number attribute")
	}
	if _, ok := hierarchy.StringAttr(image, "missing"); ok {
		t.Error("expected ok=false for missing attribute")
	}
}

func TestMatchString(t *testing.T) {
	m := hierarchy.MatchString("Client")

	v, ok := m(map[string]types.AttributeValue{"Client": str("acme")})
	if !ok || v != "acme" {
		t.Errorf("expected acme, got %q ok=%v", v, ok)
	}

	if _, ok := m(map[string]types.AttributeValue{}); ok {
		t.Error("expected ok=false for missing attribute")
	}
}

func TestMatchJoined(t *testing.T) {
	m := hierarchy.MatchJoined(":", "Client", "Portfolio")

	v, ok := m(map[string]types.AttributeValue{
		"Client":    str("acme"),
		"Portfolio": str("web"),
	})
	if !ok || v != "acme:web" {
		t.Errorf("expected acme:web, got %q ok=%v", v, ok)
	}

	if _, ok := m(map[string]types.AttributeValue{"Client": str("acme")}); ok {
		t.Error("expected ok=false when one attribute is missing")
	}
}
