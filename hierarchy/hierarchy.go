// Package hierarchy describes the entity tables the cascade engine operates on
// and the parent/child rules connecting them.
package hierarchy

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// EntityType identifies the row kind stored in one of the bound tables.
type EntityType string

// Key is a DynamoDB primary key (single hash attribute, or hash+range).
type Key map[string]types.AttributeValue

// TableBinding ties an entity type to its physical table and key schema.
// Bindings are supplied at process start, one per entity type.
type TableBinding struct {
	// Type is the entity type stored in the table.
	Type EntityType

	// Table is the DynamoDB table name.
	Table string

	// HashAttr is the partition key attribute name.
	HashAttr string

	// RangeAttr is the sort key attribute name, empty for hash-only tables.
	RangeAttr string
}

// KeyFromImage extracts the binding's primary key from a row image.
// All key attributes must be present.
func (b TableBinding) KeyFromImage(image map[string]types.AttributeValue) (Key, error) {
	key := make(Key, 2)

	hash, ok := image[b.HashAttr]
	if !ok {
		return nil, fmt.Errorf("image for %q missing hash attribute %q", b.Type, b.HashAttr)
	}
	key[b.HashAttr] = hash

	if b.RangeAttr != "" {
		rng, ok := image[b.RangeAttr]
		if !ok {
			return nil, fmt.Errorf("image for %q missing range attribute %q", b.Type, b.RangeAttr)
		}
		key[b.RangeAttr] = rng
	}

	return key, nil
}

// Schema holds the table bindings for a deployment, indexed by entity type and
// by table name. It is built once at startup and read-only afterwards.
type Schema struct {
	byType  map[EntityType]TableBinding
	byTable map[string]TableBinding
	types   []EntityType
}

// NewSchema builds a Schema from bindings. Every binding must name a distinct
// entity type and a distinct table.
func NewSchema(bindings ...TableBinding) (*Schema, error) {
	s := &Schema{
		byType:  make(map[EntityType]TableBinding, len(bindings)),
		byTable: make(map[string]TableBinding, len(bindings)),
	}

	for _, b := range bindings {
		if b.Type == "" || b.Table == "" || b.HashAttr == "" {
			return nil, fmt.Errorf("incomplete binding %+v", b)
		}
		if _, dup := s.byType[b.Type]; dup {
			return nil, fmt.Errorf("duplicate binding for entity type %q", b.Type)
		}
		if _, dup := s.byTable[b.Table]; dup {
			return nil, fmt.Errorf("duplicate binding for table %q", b.Table)
		}
		s.byType[b.Type] = b
		s.byTable[b.Table] = b
		s.types = append(s.types, b.Type)
	}

	return s, nil
}

// Binding returns the table binding for an entity type.
func (s *Schema) Binding(t EntityType) (TableBinding, bool) {
	b, ok := s.byType[t]
	return b, ok
}

// BindingForTable returns the binding that owns a table name. Unknown tables
// are how the normalizer recognizes records it should ignore.
func (s *Schema) BindingForTable(table string) (TableBinding, bool) {
	b, ok := s.byTable[table]
	return b, ok
}

// Types returns all bound entity types in registration order.
func (s *Schema) Types() []EntityType {
	return s.types
}

// StringAttr reads a string attribute from a row image.
func StringAttr(image map[string]types.AttributeValue, name string) (string, bool) {
	v, ok := image[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}
