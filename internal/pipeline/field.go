package pipeline

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/JakeFAU/catalog-crawler/internal/record"
)

var (
	// ErrInvalidField reports a field definition that breaks a construction rule.
	ErrInvalidField = errors.New("invalid field definition")
	// ErrPathNotFound is returned by DrillDown when a step of the path is absent.
	ErrPathNotFound = errors.New("path not found")
)

// FieldDef describes how one output column is produced from a raw record:
// either a constant, or the values found at one or more paths.
type FieldDef struct {
	constant       string
	isConstant     bool
	paths          [][]string
	valueTransform func(string) string
	rawTransform   func([]any) string
	identity       bool
	required       bool
	concatWith     string
}

// FieldOption customizes a FieldDef.
type FieldOption func(*FieldDef)

// ValueTransform rewrites the joined string value.
func ValueTransform(fn func(string) string) FieldOption {
	return func(d *FieldDef) { d.valueTransform = fn }
}

// RawValueTransform builds the value from the raw values found at each path,
// in path order. Values at missing paths are left out.
func RawValueTransform(fn func([]any) string) FieldOption {
	return func(d *FieldDef) { d.rawTransform = fn }
}

// PartOfIdentity includes the field in the record identity.
func PartOfIdentity() FieldOption {
	return func(d *FieldDef) { d.identity = true }
}

// Optional lets the field be Missing instead of skipping the record.
func Optional() FieldOption {
	return func(d *FieldDef) { d.required = false }
}

// ConcatWith sets the separator used to join multi-path values.
func ConcatWith(sep string) FieldOption {
	return func(d *FieldDef) { d.concatWith = sep }
}

// Constant always yields value.
func Constant(value string, opts ...FieldOption) FieldDef {
	return build(FieldDef{constant: value, isConstant: true}, opts)
}

// Missing always yields record.Missing.
func Missing() FieldDef {
	return Constant(record.Missing, Optional())
}

// Mapping reads the value at path.
func Mapping(path []string, opts ...FieldOption) FieldDef {
	var paths [][]string
	if path != nil {
		paths = [][]string{path}
	}
	return build(FieldDef{paths: paths}, opts)
}

// MultiMapping reads the values at each path and joins the non-empty ones.
func MultiMapping(paths [][]string, opts ...FieldOption) FieldDef {
	return build(FieldDef{paths: paths}, opts)
}

func build(d FieldDef, opts []FieldOption) FieldDef {
	d.required = true
	d.concatWith = " "
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Required reports whether an empty value skips the record.
func (d FieldDef) Required() bool {
	return d.required
}

// InIdentity reports whether the field is part of the record identity.
func (d FieldDef) InIdentity() bool {
	return d.identity
}

// Validate enforces the construction rules.
func (d FieldDef) Validate() error {
	hasConstant := d.isConstant && d.constant != ""
	hasMapping := len(d.paths) > 0
	switch {
	case hasConstant == hasMapping:
		return fmt.Errorf("%w: must have exactly one of mapping and constant", ErrInvalidField)
	case hasConstant && (d.valueTransform != nil || d.rawTransform != nil):
		return fmt.Errorf("%w: a constant cannot have a value transform", ErrInvalidField)
	case hasConstant && d.identity:
		return fmt.Errorf("%w: a constant cannot be part of the record identity", ErrInvalidField)
	case d.valueTransform != nil && d.rawTransform != nil:
		return fmt.Errorf("%w: value and raw value transforms are mutually exclusive", ErrInvalidField)
	}
	return nil
}

// DrillDown follows path through nested maps (and slices, by index) of raw.
// An empty path returns raw itself.
func DrillDown(raw map[string]any, path []string) (any, error) {
	var current any = raw
	for _, step := range path {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[step]
			if !ok {
				return nil, fmt.Errorf("%w: %v", ErrPathNotFound, path)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(step)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("%w: %v", ErrPathNotFound, path)
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("%w: %v", ErrPathNotFound, path)
		}
	}
	return current, nil
}
