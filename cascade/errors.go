package cascade

import (
	"errors"
	"fmt"

	"github.com/jacentio/espalier/hierarchy"
)

// ErrDepthExceeded is returned when a cascade recurses past the configured
// depth bound. It signals misconfigured (cyclic) rules, not bad data, and
// fails the whole batch.
var ErrDepthExceeded = errors.New("espalier: cascade depth exceeded, check rules for cycles")

// ErrorKind classifies a per-child failure recorded in an Outcome.
type ErrorKind string

const (
	// KindQuery marks a child-discovery query that failed after retries.
	KindQuery ErrorKind = "query"

	// KindDelete marks a child delete that exhausted its retry budget.
	KindDelete ErrorKind = "delete"

	// KindMalformed marks a rule whose lookup attributes were missing from
	// the parent's old image.
	KindMalformed ErrorKind = "malformed"
)

// ChildError records one failed branch of a cascade. Sibling branches are
// unaffected.
type ChildError struct {
	Table string
	Key   hierarchy.Key
	Kind  ErrorKind
	Err   error
}

func (e ChildError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Table, e.Err)
}

func (e ChildError) Unwrap() error {
	return e.Err
}
