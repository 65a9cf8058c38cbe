package record

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityGenerateSortedFields(t *testing.T) {
	t.Parallel()

	id := NewIdentity(Name, ItemURL)
	rec := New(CatalogSchema, map[string]any{ItemURL: "u1", Name: "widget"})

	got, err := id.Generate(rec)
	require.NoError(t, err)
	require.Equal(t, "item_url:u1 name:widget ", got)
}

func TestIdentitySkipsMissingFields(t *testing.T) {
	t.Parallel()

	id := NewIdentity(ItemURL, MfNumber)
	rec := New(CatalogSchema, map[string]any{ItemURL: "u1"})

	got, err := id.Generate(rec)
	require.NoError(t, err)
	require.Equal(t, "item_url:u1 ", got)
}

func TestIdentityFailOnEmptyField(t *testing.T) {
	t.Parallel()

	id := NewIdentity(ItemURL, MfNumber).FailOnEmptyField(true)
	rec := New(CatalogSchema, map[string]any{ItemURL: "u1"})

	_, err := id.Generate(rec)
	require.True(t, errors.Is(err, ErrEmptyIdentityField))
}

func TestIdentityEmptyCompositeStrictAndLenient(t *testing.T) {
	t.Parallel()

	rec := New(CatalogSchema, map[string]any{Name: "n"})

	_, err := NewIdentity(ItemURL).Generate(rec)
	require.ErrorIs(t, err, ErrEmptyIdentity)

	got, err := NewIdentity(ItemURL).FailOnEmptyID(false).Generate(rec)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestIdentityTruncateTransform(t *testing.T) {
	t.Parallel()

	id := NewIdentity(Price, Weight).WithTruncate(Price, 2)
	rec := New(CatalogSchema, map[string]any{Price: "19.98765", Weight: "3.14159"})

	got, err := id.Generate(rec)
	require.NoError(t, err)
	require.Equal(t, "price:19.98 weight:3.14159 ", got)
	require.Equal(t, "price%.2:weight", id.String())
}

func TestIdentityRejectsReservedIdentifiers(t *testing.T) {
	t.Parallel()

	for _, ident := range []string{"a%b", "a:b"} {
		_, err := NewIdentity(Price).WithTransform(Price, ident, TruncateDecimal(1))
		require.Error(t, err)
	}
}

func TestIdentityIsImmutable(t *testing.T) {
	t.Parallel()

	base := NewIdentity(Price)
	_ = base.WithTruncate(Price, 1)
	require.Equal(t, "price", base.String())
}

func TestTruncateDecimal(t *testing.T) {
	t.Parallel()

	require.Equal(t, "1.23", TruncateDecimal(2)("1.23456"))
	require.Equal(t, "1.2", TruncateDecimal(5)("1.2"))
	require.Equal(t, "42", TruncateDecimal(2)("42"))
	require.Equal(t, "7.", TruncateDecimal(0)("7.99"))
}
