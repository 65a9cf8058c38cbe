package writer

import (
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/catalog-crawler/internal/record"
)

// ReadExisting loads every data row of the workbook at path, across all
// sheets, so a resumed crawl can seed its deduper. A missing file yields no
// records.
func ReadExisting(path string, schema record.Schema) ([]record.Record, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat workbook: %w", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []record.Record
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		header := rows[0]
		for _, row := range rows[1:] {
			out = append(out, record.FromRow(schema, header, row))
		}
	}
	return out, nil
}
