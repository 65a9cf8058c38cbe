package zoro

import (
	"path"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/pipeline"
	"github.com/JakeFAU/catalog-crawler/internal/record"
)

// imageKey holds the image file name reported by the product summary.
const imageKey = "image"

const imagePath = "/static/cms/product/full/"

// Fields maps the raw product records produced by Parse onto the catalog
// schema. The item URL is the record identity.
func (c *Collaborator) Fields() map[string]pipeline.FieldDef {
	optional := func(column string, opts ...pipeline.FieldOption) pipeline.FieldDef {
		return pipeline.Mapping([]string{column}, append([]pipeline.FieldOption{pipeline.Optional()}, opts...)...)
	}
	jpeg := c.base.String() + imagePath

	return map[string]pipeline.FieldDef{
		record.ItemURL:         pipeline.Mapping([]string{record.ItemURL}, pipeline.PartOfIdentity()),
		record.Name:            pipeline.Mapping([]string{record.Name}),
		record.Category:        optional(record.Category),
		record.Company:         optional(record.Company),
		record.Price:           optional(record.Price),
		record.Description:     optional(record.Description),
		record.CountryOfOrigin: optional(record.CountryOfOrigin),
		record.MfNumber:        optional(record.MfNumber),
		record.ShippingDay:     optional(record.ShippingDay),
		record.Width:           optional(record.Width),
		record.WidthUnit:       optional(record.WidthUnit),
		record.Height:          optional(record.Height),
		record.HeightUnit:      optional(record.HeightUnit),
		record.Depth:           optional(record.Depth),
		record.Weight:          optional(record.Weight),
		record.JPEG: pipeline.Mapping([]string{imageKey}, pipeline.Optional(),
			pipeline.ValueTransform(func(v string) string {
				if v == "" {
					return ""
				}
				return jpeg + strings.TrimLeft(v, "/")
			})),
		record.JPEGFileName: pipeline.Mapping([]string{imageKey}, pipeline.Optional(),
			pipeline.ValueTransform(func(v string) string {
				if v == "" {
					return ""
				}
				return path.Base(v)
			})),
		// The old and breaker list lookups are disabled.
		record.OnOldList:        pipeline.Constant("false"),
		record.OnNewBreakerList: pipeline.Constant("false"),
	}
}
