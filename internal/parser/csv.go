package parser

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sheetflow/backend/internal/models"
)

const utf8BOM = "\xef\xbb\xbf"

// CSVDecoder reads comma separated files whose first record is the header.
// Every value is kept as the string it was written as.
type CSVDecoder struct {
	Comma rune
}

func NewCSVDecoder() *CSVDecoder {
	return &CSVDecoder{Comma: ','}
}

func (d *CSVDecoder) Name() string {
	return "csv"
}

func (d *CSVDecoder) Extensions() []string {
	return []string{".csv"}
}

// Decode returns one Row per data record. Records shorter than the header
// omit the missing columns; extra fields are keyed "_<index>".
func (d *CSVDecoder) Decode(path string) ([]models.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, decodeErr(d.Name(), path, 0, err)
	}
	defer file.Close()

	br := bufio.NewReaderSize(file, 64*1024)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && string(bom) == utf8BOM {
		br.Discard(len(utf8BOM))
	}

	r := csv.NewReader(br)
	r.Comma = d.Comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	rows := make([]models.Row, 0)

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return rows, nil
	}
	if err != nil {
		return nil, d.wrap(path, err)
	}
	headers := uniqueHeaders(header)

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, d.wrap(path, err)
		}

		row := make(models.Row, len(record))
		for i, v := range record {
			if i < len(headers) {
				row[headers[i]] = v
			} else {
				row["_"+strconv.Itoa(i)] = v
			}
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func (d *CSVDecoder) wrap(path string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return decodeErr(d.Name(), path, pe.Line, pe.Err)
	}
	return decodeErr(d.Name(), path, 0, fmt.Errorf("reading: %w", err))
}
