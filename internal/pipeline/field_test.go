package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldDefValidation(t *testing.T) {
	t.Parallel()
	upper := ValueTransform(strings.ToUpper)
	first := RawValueTransform(func(v []any) string { return "" })

	cases := map[string]struct {
		def     FieldDef
		wantErr bool
	}{
		"mapping":                    {def: Mapping([]string{"a"})},
		"constant":                   {def: Constant("x")},
		"missing":                    {def: Missing()},
		"multi mapping":              {def: MultiMapping([][]string{{"a"}, {"b"}}, ConcatWith(", "))},
		"no mapping nor constant":    {def: Mapping(nil), wantErr: true},
		"empty constant":             {def: Constant(""), wantErr: true},
		"constant with transform":    {def: Constant("x", upper), wantErr: true},
		"constant with raw":          {def: Constant("x", first), wantErr: true},
		"constant in identity":       {def: Constant("x", PartOfIdentity()), wantErr: true},
		"both transforms":            {def: Mapping([]string{"a"}, upper, first), wantErr: true},
		"mapping with identity":      {def: Mapping([]string{"a"}, PartOfIdentity())},
		"optional mapping transform": {def: Mapping([]string{"a"}, Optional(), upper)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := tc.def.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidField)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFieldDefDefaults(t *testing.T) {
	t.Parallel()
	d := Mapping([]string{"a"})
	assert.True(t, d.Required())
	assert.False(t, d.InIdentity())
	assert.Equal(t, " ", d.concatWith)
	assert.False(t, Mapping([]string{"a"}, Optional()).Required())
}

func TestDrillDown(t *testing.T) {
	t.Parallel()
	raw := map[string]any{
		"product": map[string]any{
			"title":  "Drill",
			"images": []any{"a.jpg", "b.jpg"},
		},
	}

	v, err := DrillDown(raw, []string{"product", "title"})
	require.NoError(t, err)
	assert.Equal(t, "Drill", v)

	v, err = DrillDown(raw, []string{"product", "images", "1"})
	require.NoError(t, err)
	assert.Equal(t, "b.jpg", v)

	v, err = DrillDown(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, v)

	_, err = DrillDown(raw, []string{"product", "brand"})
	assert.ErrorIs(t, err, ErrPathNotFound)
	_, err = DrillDown(raw, []string{"product", "images", "7"})
	assert.ErrorIs(t, err, ErrPathNotFound)
	_, err = DrillDown(raw, []string{"product", "title", "x"})
	assert.ErrorIs(t, err, ErrPathNotFound)
}
