// Package cascade discovers and deletes the dependents of removed rows.
package cascade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/hierarchy"
)

// DynamoAPI is the slice of the DynamoDB client the engine uses. Deliberately
// narrow: there is no Scan here, so child discovery can only ever be an index
// query.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Event describes one removed row, captured from its pre-deletion image.
type Event struct {
	// Type is the removed row's entity type.
	Type hierarchy.EntityType

	// Key is the removed row's primary key.
	Key hierarchy.Key

	// OldAttrs is the row as it existed immediately before deletion.
	OldAttrs map[string]types.AttributeValue

	// Sequence is the stream sequence number, carried for log correlation.
	Sequence string
}

// Child is a dependent row discovered by the resolver.
type Child struct {
	Type  hierarchy.EntityType
	Table string
	Key   hierarchy.Key

	// Attrs is the child's last-known image, captured from the query result.
	// It seeds the child's own deletion event once the child is deleted.
	Attrs map[string]types.AttributeValue
}

// Resolver finds the direct children of a deletion event by running the
// registered rules as index queries.
type Resolver struct {
	client   DynamoAPI
	schema   *hierarchy.Schema
	registry *hierarchy.Registry
	logger   *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(client DynamoAPI, schema *hierarchy.Schema, registry *hierarchy.Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client:   client,
		schema:   schema,
		registry: registry,
		logger:   logger,
	}
}

// Resolve runs every rule registered for the event's type and returns all
// direct (non-recursive) children. A failing rule is reported as a ChildError
// and does not stop sibling rules.
func (r *Resolver) Resolve(ctx context.Context, ev Event) ([]Child, []ChildError) {
	var children []Child
	var errs []ChildError

	for _, rule := range r.registry.RulesFor(ev.Type) {
		found, cerr := r.resolveRule(ctx, ev, rule)
		if cerr != nil {
			errs = append(errs, *cerr)
			continue
		}
		children = append(children, found...)
	}

	return children, errs
}

// resolveRule issues one equality query against the rule's lookup index and
// drains every page before returning.
func (r *Resolver) resolveRule(ctx context.Context, ev Event, rule hierarchy.Rule) ([]Child, *ChildError) {
	binding, ok := r.schema.Binding(rule.Child)
	if !ok {
		// Validate rejects this at startup; reaching it means the registry
		// was mutated after the engine started.
		return nil, &ChildError{
			Kind: KindMalformed,
			Err:  fmt.Errorf("no table binding for child type %q", rule.Child),
		}
	}

	value, ok := rule.Match(ev.OldAttrs)
	if !ok {
		return nil, &ChildError{
			Table: binding.Table,
			Kind:  KindMalformed,
			Err:   fmt.Errorf("old image of %s lacks attributes for %s->%s lookup", ev.Type, rule.Parent, rule.Child),
		}
	}

	input := &dynamodb.QueryInput{
		TableName:                aws.String(binding.Table),
		KeyConditionExpression:   aws.String("#hk = :hv"),
		ExpressionAttributeNames: map[string]string{"#hk": rule.HashAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":hv": &types.AttributeValueMemberS{Value: value},
		},
	}
	if rule.Index != "" {
		input.IndexName = aws.String(rule.Index)
	}

	var children []Child
	paginator := dynamodb.NewQueryPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &ChildError{
				Table: binding.Table,
				Kind:  KindQuery,
				Err:   fmt.Errorf("query %s children of %s: %w", rule.Child, ev.Type, err),
			}
		}
		for _, raw := range page.Items {
			key, err := binding.KeyFromImage(raw)
			if err != nil {
				return nil, &ChildError{
					Table: binding.Table,
					Kind:  KindMalformed,
					Err:   err,
				}
			}
			children = append(children, Child{
				Type:  rule.Child,
				Table: binding.Table,
				Key:   key,
				Attrs: raw,
			})
		}
	}

	r.logger.Debug("resolved children",
		"parent", ev.Type,
		"child", rule.Child,
		"table", binding.Table,
		"count", len(children),
	)

	return children, nil
}
