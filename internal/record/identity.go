package record

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrEmptyIdentity is returned when no identity field carries a value.
	ErrEmptyIdentity = errors.New("composite record identity is empty")
	// ErrEmptyIdentityField is returned when an identity field is empty and
	// the identity is configured to fail on empty fields.
	ErrEmptyIdentityField = errors.New("record identity field is empty")
)

// Transform rewrites a field value before it becomes part of an identity.
type Transform func(string) string

type namedTransform struct {
	id string
	fn Transform
}

// Identity describes which record fields compose a unique key.
// Identity values are immutable; the With* methods return modified copies.
type Identity struct {
	fields           []string
	transforms       map[string]namedTransform
	failOnEmptyField bool
	failOnEmptyID    bool
	logger           *zap.Logger
}

// NewIdentity builds an identity over the given fields. Fields are always
// visited in sorted order, so the identity string does not depend on the
// order they were supplied in.
func NewIdentity(fields ...string) Identity {
	seen := make(map[string]struct{}, len(fields))
	uniq := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		uniq = append(uniq, f)
	}
	sort.Strings(uniq)
	return Identity{
		fields:        uniq,
		transforms:    map[string]namedTransform{},
		failOnEmptyID: true,
		logger:        zap.NewNop(),
	}
}

func (id Identity) clone() Identity {
	transforms := make(map[string]namedTransform, len(id.transforms))
	for k, v := range id.transforms {
		transforms[k] = v
	}
	id.fields = append([]string(nil), id.fields...)
	id.transforms = transforms
	return id
}

// Fields returns the identity fields in evaluation order.
func (id Identity) Fields() []string {
	return append([]string(nil), id.fields...)
}

// WithTruncate truncates the field's decimal part to digits places.
func (id Identity) WithTruncate(field string, digits int) Identity {
	out, err := id.WithTransform(field, fmt.Sprintf(".%d", digits), TruncateDecimal(digits))
	if err != nil {
		// ".N" never contains a reserved character.
		return id
	}
	return out
}

// WithTransform registers fn for field under identifier, which appears in the
// identity's String form and may not contain '%' or ':'.
func (id Identity) WithTransform(field, identifier string, fn Transform) (Identity, error) {
	if strings.ContainsAny(identifier, "%:") {
		return id, fmt.Errorf("identifier %q cannot contain the '%%' or ':' characters", identifier)
	}
	out := id.clone()
	out.transforms[field] = namedTransform{id: identifier, fn: fn}
	return out, nil
}

// FailOnEmptyField controls whether an empty identity field is an error.
func (id Identity) FailOnEmptyField(fail bool) Identity {
	out := id.clone()
	out.failOnEmptyField = fail
	return out
}

// FailOnEmptyID controls whether an empty composite identity is an error.
// When disabled the empty identity is logged at debug level instead.
func (id Identity) FailOnEmptyID(fail bool) Identity {
	out := id.clone()
	out.failOnEmptyID = fail
	return out
}

// WithLogger sets the logger used for lenient empty-identity reports.
func (id Identity) WithLogger(logger *zap.Logger) Identity {
	out := id.clone()
	if logger == nil {
		logger = zap.NewNop()
	}
	out.logger = logger
	return out
}

// Generate builds the human-readable identity string for rec.
func (id Identity) Generate(rec Record) (string, error) {
	var b strings.Builder
	for _, field := range id.fields {
		value := rec.Get(field)
		if value == "" || value == Missing {
			if id.failOnEmptyField {
				return "", fmt.Errorf("%w: %q", ErrEmptyIdentityField, field)
			}
			continue
		}
		if t, ok := id.transforms[field]; ok {
			value = t.fn(value)
		}
		b.WriteString(field)
		b.WriteByte(':')
		b.WriteString(value)
		b.WriteByte(' ')
	}
	ident := b.String()
	if ident == "" {
		if id.failOnEmptyID {
			return "", fmt.Errorf("%w: %s", ErrEmptyIdentity, id.String())
		}
		id.logger.Debug("composite record identity is empty",
			zap.String("identity", id.String()),
			zap.Stringer("record", rec),
		)
	}
	return ident, nil
}

// String describes the identity as field[%transform] joined by ':'.
func (id Identity) String() string {
	parts := make([]string, 0, len(id.fields))
	for _, field := range id.fields {
		if t, ok := id.transforms[field]; ok {
			parts = append(parts, field+"%"+t.id)
			continue
		}
		parts = append(parts, field)
	}
	return strings.Join(parts, ":")
}

// TruncateDecimal keeps at most digits characters after the first '.'.
func TruncateDecimal(digits int) Transform {
	return func(v string) string {
		i := strings.IndexByte(v, '.')
		if i < 0 {
			return v
		}
		end := i + 1 + digits
		if end > len(v) {
			end = len(v)
		}
		return v[:end]
	}
}
