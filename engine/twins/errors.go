package twins

import "fmt"

// ValidationError reports a domain-rule violation on a write. Intended to
// become a 4xx at the API boundary.
type ValidationError struct {
	Tenant string
	TwinID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("twins: tenant %s: twin %s: %s", e.Tenant, e.TwinID, e.Reason)
}

// SchemaError reports a failed model-schema load for a tenant. The load
// state resets so a later call retries.
type SchemaError struct {
	Tenant string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("twins: tenant %s: model schema load failed: %v", e.Tenant, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// DuplicateMatchError reports a secondary-id lookup that matched more than
// one twin. Secondary ids are expected unique; duplicates are a
// data-integrity fault, not a pick-first situation.
type DuplicateMatchError struct {
	Tenant   string
	Property string
	Value    string
	Count    int
}

func (e *DuplicateMatchError) Error() string {
	return fmt.Sprintf("twins: tenant %s: %d twins match %s=%q, expected at most one",
		e.Tenant, e.Count, e.Property, e.Value)
}
