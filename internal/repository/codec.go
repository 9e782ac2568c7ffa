package repository

import (
	"fmt"

	"github.com/sheetflow/backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// encodeRows serialises parsed rows for the parsed_rows blob column.
func encodeRows(rows []models.Row) ([]byte, error) {
	if rows == nil {
		rows = []models.Row{}
	}
	data, err := msgpack.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encoding rows: %w", err)
	}
	return data, nil
}

func decodeRows(data []byte) ([]models.Row, error) {
	rows := make([]models.Row, 0)
	if len(data) == 0 {
		return rows, nil
	}
	if err := msgpack.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding rows: %w", err)
	}
	return rows, nil
}
