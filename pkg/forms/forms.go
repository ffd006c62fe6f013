// Package forms validates form payloads and evaluates form-field edge
// predicates used for conditional routing.
package forms

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError carries the schema violations of a rejected payload.
type ValidationError struct {
	FormTemplateID string
	Violations     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("form %s failed validation: %s", e.FormTemplateID, strings.Join(e.Violations, "; "))
}

// SchemaResolver supplies the JSON schema for a form template.
type SchemaResolver interface {
	FormSchema(formTemplateID string) (json.RawMessage, error)
}

// Validate checks a form payload against the JSON schema of its template. A
// resolver returning an empty schema means the form is free-form and any
// payload passes.
func Validate(resolver SchemaResolver, formTemplateID string, payload map[string]any) error {
	if resolver == nil {
		return nil
	}

	schema, err := resolver.FormSchema(formTemplateID)
	if err != nil {
		return fmt.Errorf("failed to resolve schema for form %s: %w", formTemplateID, err)
	}

	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to validate form %s: %w", formTemplateID, err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}

	return &ValidationError{FormTemplateID: formTemplateID, Violations: violations}
}

// Predicate operators, longest first so ">=" wins over ">".
var operators = []string{"!=", ">=", "<=", "==", "=", ">", "<"}

// MatchPredicate evaluates a form-field predicate such as "amount>=1000" or
// "category=travel" against accumulated form data. Unknown fields never
// match. A malformed predicate is reported as an error so graph
// misconfiguration surfaces instead of silently falling through.
func MatchPredicate(predicate string, formData map[string]any) (bool, error) {
	field, op, want, err := splitPredicate(predicate)
	if err != nil {
		return false, err
	}

	got, ok := formData[field]
	if !ok {
		return false, nil
	}

	switch op {
	case "=", "==":
		return equal(got, want), nil
	case "!=":
		return !equal(got, want), nil
	default:
		return compare(got, want, op)
	}
}

// IsPredicate reports whether an edge condition looks like a form-field
// predicate rather than a decision tag.
func IsPredicate(condition string) bool {
	for _, op := range operators {
		if strings.Contains(condition, op) {
			return true
		}
	}

	return false
}

func splitPredicate(predicate string) (field, op, value string, err error) {
	for _, candidate := range operators {
		idx := strings.Index(predicate, candidate)
		if idx <= 0 {
			continue
		}

		field = strings.TrimSpace(predicate[:idx])
		value = strings.TrimSpace(predicate[idx+len(candidate):])

		if field == "" || value == "" {
			return "", "", "", fmt.Errorf("malformed predicate %q", predicate)
		}

		return field, candidate, value, nil
	}

	return "", "", "", fmt.Errorf("malformed predicate %q", predicate)
}

func equal(got any, want string) bool {
	if number, ok := toFloat(got); ok {
		if wantNumber, err := strconv.ParseFloat(want, 64); err == nil {
			return number == wantNumber
		}
	}

	return fmt.Sprintf("%v", got) == want
}

func compare(got any, want, op string) (bool, error) {
	number, ok := toFloat(got)
	if !ok {
		return false, fmt.Errorf("cannot compare non-numeric value %v with %q", got, op)
	}

	wantNumber, err := strconv.ParseFloat(want, 64)
	if err != nil {
		return false, fmt.Errorf("cannot compare against non-numeric %q: %w", want, err)
	}

	switch op {
	case ">":
		return number > wantNumber, nil
	case ">=":
		return number >= wantNumber, nil
	case "<":
		return number < wantNumber, nil
	case "<=":
		return number <= wantNumber, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)

		return f, err == nil
	default:
		return 0, false
	}
}
