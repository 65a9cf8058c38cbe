// Package record defines the normalized output row, its column schema and the
// identity used to deduplicate rows.
package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Missing marks an absent or empty value so output stays rectangular.
const Missing = "<MISSING>"

// Catalog column names.
const (
	ItemURL                      = "item_url"
	Category                     = "category"
	Name                         = "name"
	Company                      = "company"
	Price                        = "price"
	Description                  = "description"
	CountryOfOrigin              = "country_of_origin"
	MfNumber                     = "mf_number"
	MfNumberDup                  = "mf_number_dup"
	ShippingDay                  = "shipping_day"
	JPEG                         = "jpeg"
	JPEGFileName                 = "jpeg_file_name"
	Width                        = "width"
	WidthUnit                    = "width_unit"
	Height                       = "height"
	HeightUnit                   = "height_unit"
	Depth                        = "depth"
	Weight                       = "weight"
	WeightUOM                    = "weight_uom"
	GSALowestPrice               = "gsa_lowest_price"
	GSALowestSellerName          = "gsa_lowest_seller_name"
	CostPercentComparedToLowest  = "cost_percent_compared_to_lowest"
	OnCPO                        = "on_cpo"
	GSAPrice                     = "gsa_price"
	COMPrice                     = "com_price"
	CurrentListPrice             = "current_list_price"
	GSA2ndLowestSellerPrice      = "gsa_2nd_lowest_seller_price"
	GSA2ndLowestSellerName       = "gsa_2nd_lowest_seller_name"
	GSA2ndHighestPrice           = "gsa_2nd_highest_price"
	GSA2ndHighestPriceSellerName = "gsa_2nd_highest_price_seller_name"
	OnNewBreakerList             = "on_new_breaker_list"
	OnOldList                    = "on_old_list"
)

// Schema is the ordered list of output columns.
type Schema []string

// CatalogSchema is the product catalog layout written by the crawler.
var CatalogSchema = Schema{
	ItemURL,
	Category,
	Name,
	Company,
	Price,
	Description,
	CountryOfOrigin,
	MfNumber,
	MfNumberDup,
	ShippingDay,
	JPEG,
	JPEGFileName,
	Width,
	WidthUnit,
	Height,
	HeightUnit,
	Depth,
	Weight,
	WeightUOM,
	GSALowestPrice,
	GSALowestSellerName,
	CostPercentComparedToLowest,
	OnCPO,
	GSAPrice,
	COMPrice,
	CurrentListPrice,
	GSA2ndLowestSellerPrice,
	GSA2ndLowestSellerName,
	GSA2ndHighestPrice,
	GSA2ndHighestPriceSellerName,
	OnNewBreakerList,
	OnOldList,
}

// Has reports whether the schema contains column.
func (s Schema) Has(column string) bool {
	for _, c := range s {
		if c == column {
			return true
		}
	}
	return false
}

// Record is an immutable normalized row.
type Record struct {
	schema Schema
	values map[string]string
}

// New normalizes raw into a Record over schema. Keys outside the schema are
// dropped; absent or empty values become Missing.
func New(schema Schema, raw map[string]any) Record {
	values := make(map[string]string, len(schema))
	for _, column := range schema {
		values[column] = Normalize(raw[column])
	}
	return Record{schema: schema, values: values}
}

// FromRow builds a Record from a row laid out in header order. It is used when
// reading back previously written output.
func FromRow(schema Schema, header, row []string) Record {
	raw := make(map[string]any, len(header))
	for i, column := range header {
		if i < len(row) {
			raw[column] = row[i]
		}
	}
	return New(schema, raw)
}

// Get returns the normalized value for column, or Missing.
func (r Record) Get(column string) string {
	if v, ok := r.values[column]; ok {
		return v
	}
	return Missing
}

// Schema returns the record's column layout.
func (r Record) Schema() Schema {
	return r.schema
}

// Row returns the values in schema order.
func (r Record) Row() []string {
	row := make([]string, len(r.schema))
	for i, column := range r.schema {
		row[i] = r.Get(column)
	}
	return row
}

// Map returns a copy of the record's values.
func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// String renders the record as space-separated key=value pairs.
func (r Record) String() string {
	var b strings.Builder
	for i, column := range r.schema {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%q", column, r.Get(column))
	}
	return b.String()
}

// Normalize converts a raw scalar into its output string form.
func Normalize(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return Missing
	case string:
		s = val
	case float64:
		s = formatFloat(val)
	case float32:
		s = formatFloat(float64(val))
	case int:
		s = strconv.Itoa(val)
	case int64:
		s = strconv.FormatInt(val, 10)
	case bool:
		s = strconv.FormatBool(val)
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Missing
	}
	return s
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return strconv.FormatFloat(math.Round(f*1e5)/1e5, 'f', -1, 64)
}
