// Package dynamotest provides an in-memory DynamoDB fake for engine tests.
//
// The fake implements only Query and DeleteItem, the same narrow surface the
// engine uses. Query accepts a single equality condition on the key attribute
// of the base table or a named index and fails anything else, so a test can
// never pass with an unbounded lookup.
package dynamotest

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Index describes a GSI on a fake table.
type Index struct {
	HashAttr string
}

// Table describes a fake table's key schema.
type Table struct {
	HashAttr  string
	RangeAttr string
	Indexes   map[string]Index
}

type failure struct {
	remaining int
	err       error
	keyAttr   string
	keyValue  string
}

// DB is an in-memory stand-in for the DynamoDB data plane.
type DB struct {
	mu     sync.Mutex
	tables map[string]Table
	rows   map[string][]map[string]types.AttributeValue

	// PageSize caps rows per query page; zero means everything in one page.
	PageSize int

	QueryCalls  int
	DeleteCalls int

	queryFailures  map[string]*failure
	deleteFailures map[string][]*failure
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		tables:         make(map[string]Table),
		rows:           make(map[string][]map[string]types.AttributeValue),
		queryFailures:  make(map[string]*failure),
		deleteFailures: make(map[string][]*failure),
	}
}

// CreateTable registers a table schema.
func (db *DB) CreateTable(name string, t Table) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables[name] = t
}

// Put inserts a row.
func (db *DB) Put(table string, row map[string]types.AttributeValue) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rows[table] = append(db.rows[table], row)
}

// Count returns the number of rows in a table.
func (db *DB) Count(table string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rows[table])
}

// CountWhere returns rows whose attribute equals value.
func (db *DB) CountWhere(table, attr, value string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, row := range db.rows[table] {
		if attrString(row[attr]) == value {
			n++
		}
	}
	return n
}

// FailQueries makes the next n queries against table return err.
func (db *DB) FailQueries(table string, n int, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queryFailures[table] = &failure{remaining: n, err: err}
}

// FailDeletes makes the next n deletes on table return err. A non-empty
// keyAttr/keyValue pair restricts the failure to matching keys, so a single
// child branch can be broken while its siblings succeed.
func (db *DB) FailDeletes(table string, keyAttr, keyValue string, n int, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.deleteFailures[table] = append(db.deleteFailures[table], &failure{
		remaining: n,
		err:       err,
		keyAttr:   keyAttr,
		keyValue:  keyValue,
	})
}

// Query implements the equality-only query surface of the engine.
func (db *DB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.QueryCalls++

	table := aws.ToString(in.TableName)
	schema, ok := db.tables[table]
	if !ok {
		return nil, fmt.Errorf("dynamotest: unknown table %q", table)
	}

	if f := db.queryFailures[table]; f != nil && f.remaining > 0 {
		f.remaining--
		return nil, f.err
	}

	attr, value, err := parseEquality(in)
	if err != nil {
		return nil, err
	}

	keyAttr := schema.HashAttr
	if in.IndexName != nil {
		idx, ok := schema.Indexes[aws.ToString(in.IndexName)]
		if !ok {
			return nil, fmt.Errorf("dynamotest: table %q has no index %q", table, aws.ToString(in.IndexName))
		}
		keyAttr = idx.HashAttr
	}
	if attr != keyAttr {
		return nil, fmt.Errorf("dynamotest: condition on %q is not the key attribute %q", attr, keyAttr)
	}

	var matched []map[string]types.AttributeValue
	for _, row := range db.rows[table] {
		if attrString(row[attr]) == value {
			matched = append(matched, row)
		}
	}

	start := 0
	if in.ExclusiveStartKey != nil {
		for i, row := range matched {
			if keyMatches(schema, row, in.ExclusiveStartKey) {
				start = i + 1
				break
			}
		}
	}

	end := len(matched)
	if db.PageSize > 0 && start+db.PageSize < end {
		end = start + db.PageSize
	}

	out := &dynamodb.QueryOutput{Items: matched[start:end]}
	if end < len(matched) {
		out.LastEvaluatedKey = rowKey(schema, matched[end-1])
	}
	return out, nil
}

// DeleteItem removes a row by key. Deleting an absent key succeeds, matching
// DynamoDB's unconditional delete semantics.
func (db *DB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.DeleteCalls++

	table := aws.ToString(in.TableName)
	schema, ok := db.tables[table]
	if !ok {
		return nil, fmt.Errorf("dynamotest: unknown table %q", table)
	}

	for _, f := range db.deleteFailures[table] {
		if f.remaining <= 0 {
			continue
		}
		if f.keyAttr != "" && attrString(in.Key[f.keyAttr]) != f.keyValue {
			continue
		}
		f.remaining--
		return nil, f.err
	}

	rows := db.rows[table]
	for i, row := range rows {
		if keyMatches(schema, row, in.Key) {
			db.rows[table] = append(rows[:i:i], rows[i+1:]...)
			break
		}
	}

	return &dynamodb.DeleteItemOutput{}, nil
}

// parseEquality resolves a "#name = :value" key condition through the
// expression attribute maps.
func parseEquality(in *dynamodb.QueryInput) (attr, value string, err error) {
	expr := aws.ToString(in.KeyConditionExpression)
	if expr == "" {
		return "", "", fmt.Errorf("dynamotest: query without key condition")
	}

	var namePart, valuePart string
	if _, err := fmt.Sscanf(expr, "%s = %s", &namePart, &valuePart); err != nil {
		return "", "", fmt.Errorf("dynamotest: unsupported key condition %q", expr)
	}

	attr, ok := in.ExpressionAttributeNames[namePart]
	if !ok {
		return "", "", fmt.Errorf("dynamotest: unresolved name %q", namePart)
	}
	av, ok := in.ExpressionAttributeValues[valuePart]
	if !ok {
		return "", "", fmt.Errorf("dynamotest: unresolved value %q", valuePart)
	}
	return attr, attrString(av), nil
}

func attrString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	default:
		return ""
	}
}

func rowKey(schema Table, row map[string]types.AttributeValue) map[string]types.AttributeValue {
	key := map[string]types.AttributeValue{schema.HashAttr: row[schema.HashAttr]}
	if schema.RangeAttr != "" {
		key[schema.RangeAttr] = row[schema.RangeAttr]
	}
	return key
}

func keyMatches(schema Table, row, key map[string]types.AttributeValue) bool {
	if attrString(row[schema.HashAttr]) != attrString(key[schema.HashAttr]) {
		return false
	}
	if schema.RangeAttr == "" {
		return true
	}
	return attrString(row[schema.RangeAttr]) == attrString(key[schema.RangeAttr])
}
