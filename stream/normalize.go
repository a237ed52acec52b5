// Package stream turns DynamoDB stream batches into cascade deletions.
package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/cascade"
	"github.com/jacentio/espalier/hierarchy"
)

// ErrMalformedRecord marks a REMOVE record whose old image is missing or
// lacks the table's key attributes. Such records are logged and skipped;
// they never fail the batch.
var ErrMalformedRecord = errors.New("espalier: malformed REMOVE record")

// Normalizer converts raw stream records into deletion events.
type Normalizer struct {
	schema *hierarchy.Schema
}

// NewNormalizer creates a Normalizer over the deployment's table bindings.
func NewNormalizer(schema *hierarchy.Schema) *Normalizer {
	return &Normalizer{schema: schema}
}

// Normalize returns the deletion event for a REMOVE record on a bound table.
// Non-REMOVE records and records from unknown tables return (nil, nil): a
// skip, not an error. A REMOVE whose old image is missing key attributes
// returns ErrMalformedRecord.
func (n *Normalizer) Normalize(record events.DynamoDBEventRecord) (*cascade.Event, error) {
	if record.EventName != "REMOVE" {
		return nil, nil
	}

	table := TableFromStreamARN(record.EventSourceArn)
	binding, ok := n.schema.BindingForTable(table)
	if !ok {
		return nil, nil
	}

	if len(record.Change.OldImage) == 0 {
		return nil, fmt.Errorf("%w: no old image for table %s sequence %s",
			ErrMalformedRecord, table, record.Change.SequenceNumber)
	}

	old := ConvertImage(record.Change.OldImage)
	key, err := binding.KeyFromImage(old)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	return &cascade.Event{
		Type:     binding.Type,
		Key:      key,
		OldAttrs: old,
		Sequence: record.Change.SequenceNumber,
	}, nil
}

// TableFromStreamARN extracts the table name from a stream event source ARN,
// e.g. arn:aws:dynamodb:us-east-1:123456789012:table/portfolios/stream/ts.
func TableFromStreamARN(arn string) string {
	parts := strings.Split(arn, "/")
	if len(parts) < 2 || !strings.HasSuffix(parts[0], ":table") {
		return ""
	}
	return parts[1]
}

// ConvertImage converts a stream record image to SDK attribute values.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertAttr(v); av != nil {
			result[k] = av
		}
	}
	return result
}

// convertAttr converts one stream attribute value. Unsupported types map to
// nil and are dropped.
func convertAttr(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: v.IsNull()}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	case events.DataTypeList:
		list := make([]types.AttributeValue, 0, len(v.List()))
		for _, item := range v.List() {
			if av := convertAttr(item); av != nil {
				list = append(list, av)
			}
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertImage(v.Map())}
	}
	return nil
}
