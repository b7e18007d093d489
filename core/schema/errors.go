package schema

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Issue represents a single validation or operational issue.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
	Severity string `json:"severity,omitempty"` // e.g., "error", "warning"
}

// Issue codes emitted by field and schema validation.
const (
	CodeRequiredFieldMissing = "REQUIRED_FIELD_MISSING"
	CodeInvalidChoice        = "INVALID_CHOICE"
	CodeConstraintViolation  = "CONSTRAINT_VIOLATION"
	CodeInvalidKey           = "INVALID_KEY"
	CodeImmutableField       = "IMMUTABLE_FIELD"
)

// CoercionError reports that an assigned value has a fundamentally wrong shape
// for its field. It is raised immediately on assignment, before any constraint
// validation runs.
type CoercionError struct {
	Field    string
	Expected FieldType
	Value    any
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("cannot coerce %T into %s field %q", e.Value, e.Expected, e.Field)
}

// ValidationError aggregates every constraint violation found during a single
// validate or save call. Callers receive the full picture rather than the
// first failure.
type ValidationError struct {
	Schema string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	var combined error
	for _, issue := range e.Issues {
		combined = multierr.Append(combined, fmt.Errorf("%s: %s", issue.Path, issue.Message))
	}
	if combined == nil {
		return fmt.Sprintf("validation of %q failed", e.Schema)
	}
	return fmt.Sprintf("validation of %q failed: %s", e.Schema, combined.Error())
}

// Fields returns the aggregated issues as a field-path to message mapping.
// Multiple issues on the same path are joined.
func (e *ValidationError) Fields() map[string]string {
	out := make(map[string]string, len(e.Issues))
	for _, issue := range e.Issues {
		if prev, ok := out[issue.Path]; ok {
			out[issue.Path] = prev + "; " + issue.Message
			continue
		}
		out[issue.Path] = issue.Message
	}
	return out
}

// HasCode reports whether any aggregated issue carries the given code.
func (e *ValidationError) HasCode(code string) bool {
	for _, issue := range e.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// newValidationError returns nil when issues is empty so callers can return
// the result directly.
func newValidationError(schemaName string, issues []Issue) *ValidationError {
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Schema: schemaName, Issues: issues}
}

// FieldDoesNotExistError reports an access to a field that is not declared on
// a closed schema.
type FieldDoesNotExistError struct {
	Schema string
	Field  string
}

func (e *FieldDoesNotExistError) Error() string {
	return fmt.Sprintf("field %q does not exist on schema %q", e.Field, e.Schema)
}

// DecodeError reports that a stored value could not be reconstructed into its
// in-memory representation. Stored data is never silently defaulted; a decode
// failure surfaces so data corruption stays visible.
type DecodeError struct {
	Field string
	Value any
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cannot decode stored value for field %q: %s", e.Field, e.Cause)
	}
	return fmt.Sprintf("cannot decode stored value %v (%T) for field %q", e.Value, e.Value, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// DuplicateRegistrationError reports a second registration attempt for an
// already-registered schema name. The first registration wins.
type DuplicateRegistrationError struct {
	Name string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("schema %q is already registered", e.Name)
}

// InvalidQueryError reports a filter expression that cannot be resolved
// against a schema.
type InvalidQueryError struct {
	Expression string
	Message    string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query expression %q: %s", e.Expression, e.Message)
}

// SaveConditionError reports that a conditional save matched nothing because
// the stored document no longer satisfies the caller's precondition.
type SaveConditionError struct {
	Schema string
	ID     any
}

func (e *SaveConditionError) Error() string {
	return fmt.Sprintf("conditional save of %s(%v) failed: document changed concurrently", e.Schema, e.ID)
}

// ConflictingUpdateError reports that two dirty fields translated into update
// operations that cannot coexist in one operator document.
type ConflictingUpdateError struct {
	Path       string
	Operations []string
}

func (e *ConflictingUpdateError) Error() string {
	return fmt.Sprintf("conflicting update operations %s on path %q", strings.Join(e.Operations, ", "), e.Path)
}

// OperationNotAllowedError reports a delete blocked by a deny deletion rule.
type OperationNotAllowedError struct {
	Schema    string
	Referrer  string
	Field     string
	Remaining int64
}

func (e *OperationNotAllowedError) Error() string {
	return fmt.Sprintf("cannot delete %s: still referenced by %d %s.%s document(s)", e.Schema, e.Remaining, e.Referrer, e.Field)
}

// DanglingReferenceError reports, in strict mode, a reference whose target no
// longer exists.
type DanglingReferenceError struct {
	Target string
	ID     any
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("reference to %s(%v) is dangling", e.Target, e.ID)
}

// NotFoundError reports that a document identity no longer exists in the
// backing store.
type NotFoundError struct {
	Schema string
	ID     any
}

func (e *NotFoundError) Error() string {
	if e.ID == nil {
		return fmt.Sprintf("no %s matches the query", e.Schema)
	}
	return fmt.Sprintf("%s(%v) no longer exists", e.Schema, e.ID)
}

// MultipleResultsError reports that a query expected to match exactly one
// document matched several.
type MultipleResultsError struct {
	Schema string
}

func (e *MultipleResultsError) Error() string {
	return fmt.Sprintf("multiple %s documents match a single-result query", e.Schema)
}

// DuplicateKeyError is the typed translation of a storage-level uniqueness
// violation. Backends must never leak their native duplicate-key errors.
type DuplicateKeyError struct {
	Collection string
	Field      string
	Cause      error
}

func (e *DuplicateKeyError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("duplicate value for unique field %q in collection %q", e.Field, e.Collection)
	}
	return fmt.Sprintf("duplicate key in collection %q", e.Collection)
}

func (e *DuplicateKeyError) Unwrap() error { return e.Cause }
