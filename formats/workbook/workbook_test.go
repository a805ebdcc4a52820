package workbook_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/formats/workbook"
)

func writeWorkbook(t *testing.T, fs afero.Fs, path string, sheets map[string][][]string) {
	t.Helper()
	f := excelize.NewFile()
	first := true
	for name, rows := range sheets {
		if first {
			require.NoError(t, f.SetSheetName("Sheet1", name))
			first = false
		} else {
			_, err := f.NewSheet(name)
			require.NoError(t, err)
		}
		for r, row := range rows {
			for c, v := range row {
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				require.NoError(t, err)
				require.NoError(t, f.SetCellValue(name, cell, v))
			}
		}
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
}

func drain(t *testing.T, stream tabflow.RowStream) [][]string {
	t.Helper()
	var out [][]string
	for {
		row, ok, err := stream.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, row.Data)
	}
	return out
}

func TestParseSelectsFirstNonEmptySheetByDefault(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeWorkbook(t, fs, "/wb.xlsx", map[string][][]string{
		"Data": {{"name", "age"}, {"Alice", "30"}},
	})

	p := workbook.NewParser(fs, nil, nil)
	stream, err := p.Parse("/wb.xlsx", nil)
	require.NoError(t, err)

	rows := drain(t, stream)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"name", "age"}, rows[0])
	assert.Equal(t, []string{"Alice", "30"}, rows[1])
}

func TestParseSelectsSheetByName(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeWorkbook(t, fs, "/wb.xlsx", map[string][][]string{
		"Data": {{"a"}, {"1"}},
	})

	p := workbook.NewParser(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.SheetName = "Data"
	stream, err := p.Parse("/wb.xlsx", &opts)
	require.NoError(t, err)

	rows := drain(t, stream)
	require.Len(t, rows, 2)
}

func TestParseNormalisesRowWidthToHeader(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeWorkbook(t, fs, "/wb.xlsx", map[string][][]string{
		"Data": {{"a", "b", "c"}, {"1", "2"}, {"x", "y", "z", "w"}},
	})

	p := workbook.NewParser(fs, nil, nil)
	stream, err := p.Parse("/wb.xlsx", nil)
	require.NoError(t, err)

	rows := drain(t, stream)
	require.Len(t, rows, 3)
	assert.Len(t, rows[1], 3)
	assert.Equal(t, []string{"1", "2", ""}, rows[1])
	assert.Len(t, rows[2], 3)
	assert.Equal(t, []string{"x", "y", "z"}, rows[2])
}

func TestParseEmptyFileReturnsEmptyFileError(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/wb.xlsx", []byte{}, 0o644))

	p := workbook.NewParser(fs, nil, nil)
	_, err := p.Parse("/wb.xlsx", nil)
	require.Error(t, err)
}

func TestDetectScoresValidWorkbookHigh(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeWorkbook(t, fs, "/wb.xlsx", map[string][][]string{
		"Data": {{"a"}},
	})

	p := workbook.NewParser(fs, nil, nil)
	detected, err := p.Detect("/wb.xlsx")
	require.NoError(t, err)
	assert.Equal(t, tabflow.FormatWorkbook, detected.Format)
	assert.Greater(t, detected.Confidence, 0.8)
}

func TestDetectNonWorkbookExtensionScoresZero(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("a,b\n"), 0o644))

	p := workbook.NewParser(fs, nil, nil)
	detected, err := p.Detect("/in.csv")
	require.NoError(t, err)
	assert.Equal(t, 0.0, detected.Confidence)
}

func TestFormatNameAndExtensions(t *testing.T) {
	p := workbook.NewParser(nil, nil, nil)
	assert.Equal(t, tabflow.FormatWorkbook, p.FormatName())
	assert.Contains(t, p.SupportedExtensions(), ".xlsx")
}
