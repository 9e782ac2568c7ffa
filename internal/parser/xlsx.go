package parser

import (
	"errors"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/sheetflow/backend/internal/models"
)

// XLSXDecoder reads the first worksheet of an Office Open XML workbook. The
// first row is the header; blank cells are omitted and blank rows skipped.
type XLSXDecoder struct{}

func NewXLSXDecoder() *XLSXDecoder {
	return &XLSXDecoder{}
}

func (d *XLSXDecoder) Name() string {
	return "xlsx"
}

// Extensions includes ".xls" so legacy uploads are accepted; BIFF workbooks
// fail to open and surface as a DecodeError.
func (d *XLSXDecoder) Extensions() []string {
	return []string{".xlsx", ".xls"}
}

func (d *XLSXDecoder) Decode(path string) ([]models.Row, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, decodeErr(d.Name(), path, 0, err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, decodeErr(d.Name(), path, 0, errors.New("workbook has no sheets"))
	}

	it, err := wb.Rows(sheets[0])
	if err != nil {
		return nil, decodeErr(d.Name(), path, 0, err)
	}
	defer it.Close()

	rows := make([]models.Row, 0)
	var headers []string
	line := 0
	for it.Next() {
		line++
		cells, err := it.Columns()
		if err != nil {
			return nil, decodeErr(d.Name(), path, line, err)
		}
		if headers == nil {
			if isBlank(cells) {
				continue
			}
			headers = uniqueHeaders(cells)
			continue
		}

		row := make(models.Row)
		for i, v := range cells {
			if i >= len(headers) || strings.TrimSpace(v) == "" {
				continue
			}
			row[headers[i]] = v
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	if err := it.Error(); err != nil {
		return nil, decodeErr(d.Name(), path, line, err)
	}

	return rows, nil
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
