package parser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/sheetflow/backend/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeWorkbook(t *testing.T, name string, cells map[string]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for cell, v := range cells {
		require.NoError(t, f.SetCellValue("Sheet1", cell, v))
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestCSVDecoder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []models.Row
	}{
		{
			name:    "header and rows",
			content: "region,amount\nnorth,10\nsouth,20\neast,30\n",
			want: []models.Row{
				{"region": "north", "amount": "10"},
				{"region": "south", "amount": "20"},
				{"region": "east", "amount": "30"},
			},
		},
		{
			name:    "quoted fields with commas",
			content: "name,note\n\"Doe, Jane\",\"said \"\"hi\"\"\"\n",
			want:    []models.Row{{"name": "Doe, Jane", "note": `said "hi"`}},
		},
		{
			name:    "byte order mark stripped",
			content: utf8BOM + "id,val\n1,a\n",
			want:    []models.Row{{"id": "1", "val": "a"}},
		},
		{
			name:    "short and long records",
			content: "a,b\n1\n2,3,4\n",
			want: []models.Row{
				{"a": "1"},
				{"a": "2", "b": "3", "_2": "4"},
			},
		},
		{
			name:    "header only",
			content: "a,b\n",
			want:    []models.Row{},
		},
		{
			name:    "empty file",
			content: "",
			want:    []models.Row{},
		},
		{
			name:    "duplicate headers",
			content: "x,x\n1,2\n",
			want:    []models.Row{{"x": "1", "x_1": "2"}},
		},
	}

	d := NewCSVDecoder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := d.Decode(writeFile(t, "in.csv", tt.content))
			require.NoError(t, err)
			assert.Equal(t, tt.want, rows)
		})
	}
}

func TestCSVDecoderMissingFile(t *testing.T) {
	_, err := NewCSVDecoder().Decode(filepath.Join(t.TempDir(), "gone.csv"))

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "csv", de.Format)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestXLSXDecoder(t *testing.T) {
	path := writeWorkbook(t, "book.xlsx", map[string]any{
		"A1": "region", "B1": "amount", "C1": "note",
		"A2": "north", "B2": 10, "C2": "first",
		"A3": "south", "B3": 20,
		// row 4 left blank
		"A5": "east", "B5": 30, "C5": "last",
	})

	rows, err := NewXLSXDecoder().Decode(path)
	require.NoError(t, err)
	assert.Equal(t, []models.Row{
		{"region": "north", "amount": "10", "note": "first"},
		{"region": "south", "amount": "20"},
		{"region": "east", "amount": "30", "note": "last"},
	}, rows)
}

func TestXLSXDecoderRejectsNonWorkbook(t *testing.T) {
	path := writeFile(t, "legacy.xls", "plain text, not a workbook")

	_, err := NewXLSXDecoder().Decode(path)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "xlsx", de.Format)
	assert.Contains(t, err.Error(), "legacy.xls")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, []string{".csv", ".xls", ".xlsx"}, r.Extensions())
	for _, typ := range []string{".csv", "csv", "CSV", ".XLSX", "xls"} {
		assert.True(t, r.Supports(typ), typ)
	}
	assert.False(t, r.Supports(".pdf"))
	assert.False(t, r.Supports(""))

	rows, err := r.Decode(writeFile(t, "sales.csv", "a\n1\n2\n3\n"), "csv")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, err = r.Decode(writeFile(t, "report.pdf", "%PDF"), ".pdf")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

type stubFormat struct{}

func (stubFormat) Name() string         { return "stub" }
func (stubFormat) Extensions() []string { return []string{"CSV"} }
func (stubFormat) Decode(string) ([]models.Row, error) {
	return []models.Row{{"stub": "yes"}}, nil
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(stubFormat{})

	rows, err := r.Decode("ignored", ".csv")
	require.NoError(t, err)
	assert.Equal(t, []models.Row{{"stub": "yes"}}, rows)
}

func TestUniqueHeaders(t *testing.T) {
	assert.Equal(t,
		[]string{"a", "__EMPTY", "a_1", "__EMPTY_1", "b"},
		uniqueHeaders([]string{"a", "", "a", " ", " b "}))
}

func TestDecodeErrorMessage(t *testing.T) {
	err := &DecodeError{Path: "/tmp/x.csv", Format: "csv", Line: 4, Err: errors.New("bare quote")}
	assert.Equal(t, "csv decode /tmp/x.csv line 4: bare quote", err.Error())
}
