// Package workbook implements the spreadsheet workbook parser (spec
// §4.E): Office Open XML files (.xlsx, .xlsm) loaded through
// github.com/xuri/excelize/v2, with sheet selection, cell coercion, and
// header-width row normalisation. The .xls extension is claimed as well,
// but excelize cannot open legacy binary .xls files.
package workbook

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/config"
	"github.com/datakit/tabflow/errs"
	"github.com/datakit/tabflow/logging"
)

// SheetSelector picks which sheet to read. An empty SheetSelector selects
// the first non-empty sheet, falling back to the workbook's first sheet.
type SheetSelector struct {
	Name  string
	Index int // 1-based; 0 means unset
}

// Parser implements tabflow.Parser for workbook input.
type Parser struct {
	*tabflow.BaseParser

	fs     afero.Fs
	cfg    config.Provider
	logger logging.Logger

	aborted atomic.Bool
}

// NewParser constructs a workbook.Parser.
func NewParser(fs afero.Fs, cfg config.Provider, logger logging.Logger) *Parser {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg == nil {
		cfg = config.NewStaticProvider()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Parser{
		BaseParser: tabflow.NewBaseParser(tabflow.FormatWorkbook),
		fs:         fs,
		cfg:        cfg,
		logger:     logger,
	}
}

// FormatName implements tabflow.Parser.
func (p *Parser) FormatName() tabflow.Format { return tabflow.FormatWorkbook }

// SupportedExtensions implements tabflow.Parser.
func (p *Parser) SupportedExtensions() []string { return []string{".xlsx", ".xls", ".xlsm"} }

// Abort implements tabflow.Parser.
func (p *Parser) Abort() {
	p.BaseParser.Abort()
	p.aborted.Store(true)
}

// Detect implements tabflow.Parser: workbook detection is extension-only
// plus a metadata probe (can excelize open it, does it have at least one
// sheet), per spec §4.E.
func (p *Parser) Detect(path string) (tabflow.DetectionResult, error) {
	ext := strings.ToLower(extOf(path))
	switch ext {
	case ".xlsx", ".xlsm":
	case ".xls":
		// excelize opens only Office Open XML, not legacy binary .xls;
		// the extension is still claimed so the registry dispatches here,
		// and a file excelize cannot open scores 0.2 below.
	default:
		return tabflow.DetectionResult{Format: tabflow.FormatWorkbook, Confidence: 0}, nil
	}

	f, err := p.fs.Open(path)
	if err != nil {
		return tabflow.DetectionResult{}, errs.Wrap(errs.CodeSampleReadError, 0, -1, err)
	}
	defer f.Close()

	wb, err := excelize.OpenReader(f)
	if err != nil {
		return tabflow.DetectionResult{Format: tabflow.FormatWorkbook, Confidence: 0.2}, nil
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return tabflow.DetectionResult{Format: tabflow.FormatWorkbook, Confidence: 0.3}, nil
	}

	return tabflow.DetectionResult{
		Format:     tabflow.FormatWorkbook,
		Confidence: 0.9,
		Metadata: map[string]interface{}{
			"sheet_names": sheets,
			"sheet_count": len(sheets),
		},
	}, nil
}

// Validate implements tabflow.Parser via the shared confidence threshold.
func (p *Parser) Validate(path string) (tabflow.ValidationResult, error) {
	detected, err := p.Detect(path)
	if err != nil {
		return tabflow.ValidationResult{}, err
	}
	return tabflow.DefaultValidate(detected), nil
}

type workbookRowStream struct {
	rows    []tabflow.ParsedRow
	pos     int
	err     error
	aborted atomic.Bool
}

func (s *workbookRowStream) Next() (tabflow.ParsedRow, bool, error) {
	if s.aborted.Load() || s.pos >= len(s.rows) {
		return tabflow.ParsedRow{}, false, s.err
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *workbookRowStream) Abort() { s.aborted.Store(true) }

// Parse implements tabflow.Parser: loads the workbook, selects a sheet,
// coerces every cell to a string per spec §4.E's rules, and normalises
// each row to the header row's width.
func (p *Parser) Parse(path string, overrides *tabflow.ParserOptions) (tabflow.RowStream, error) {
	p.StartStats()
	defer p.FinishStats()

	info, err := p.fs.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodePipelineError, 0, -1, err)
	}
	if info.Size() == 0 {
		return nil, errs.New(errs.CodeEmptyFile, 0, -1, "input file is empty")
	}
	p.AddBytes(info.Size())

	f, err := p.fs.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodePipelineError, 0, -1, err)
	}
	defer f.Close()

	wb, err := excelize.OpenReader(f)
	if err != nil {
		return nil, errs.Wrap(errs.CodeMetadataLoadFailed, 0, -1, err)
	}
	defer wb.Close()

	sel := selectorFromOptions(overrides)
	sheet, err := resolveSheet(wb, sel)
	if err != nil {
		return nil, err
	}

	grid, err := wb.GetRows(sheet)
	if err != nil {
		return nil, errs.Wrap(errs.CodeMetadataLoadFailed, 0, -1, err)
	}

	maxRows := 0
	if overrides != nil {
		maxRows = overrides.MaxRows
	}

	headerWidth := 0
	if len(grid) > 0 {
		headerWidth = len(grid[0])
	}

	rows := make([]tabflow.ParsedRow, 0, len(grid))
	for i, raw := range grid {
		if p.aborted.Load() {
			break
		}
		if maxRows > 0 && i >= maxRows {
			break
		}
		coerced := coerceRow(wb, sheet, i, raw)
		normalised := normaliseWidth(coerced, headerWidth)
		rows = append(rows, tabflow.ParsedRow{Index: len(rows), Data: normalised})
		p.IncRows()
	}

	return &workbookRowStream{rows: rows}, nil
}

func selectorFromOptions(overrides *tabflow.ParserOptions) SheetSelector {
	if overrides == nil {
		return SheetSelector{}
	}
	return SheetSelector{Name: overrides.SheetName, Index: overrides.SheetIndex}
}

// resolveSheet implements spec §4.E's selection order: by name, by
// 1-based index, first non-empty sheet, else the workbook's first sheet.
func resolveSheet(wb *excelize.File, sel SheetSelector) (string, error) {
	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return "", errs.New(errs.CodeMetadataLoadFailed, 0, -1, "workbook has no sheets")
	}

	if sel.Name != "" {
		for _, s := range sheets {
			if s == sel.Name {
				return s, nil
			}
		}
		return "", errs.New(errs.CodeMetadataLoadFailed, 0, -1, "sheet \""+sel.Name+"\" not found")
	}

	if sel.Index > 0 && sel.Index <= len(sheets) {
		return sheets[sel.Index-1], nil
	}

	for _, s := range sheets {
		rows, err := wb.GetRows(s)
		if err == nil && len(rows) > 0 {
			return s, nil
		}
	}

	return sheets[0], nil
}

// coerceRow converts one raw row of excelize cell strings to the
// display-value rules spec §4.E names. excelize's GetRows already applies
// formula-cached-result and basic date-number formatting, so the explicit
// coercion here handles rich text concatenation (already flattened by
// GetRows into one string per cell) and normalises any residual serial
// date forms GetRows leaves un-formatted.
func coerceRow(wb *excelize.File, sheet string, rowIdx int, raw []string) []string {
	out := make([]string, len(raw))
	for col, v := range raw {
		cellRef, err := excelize.CoordinatesToCellName(col+1, rowIdx+1)
		if err != nil {
			out[col] = v
			continue
		}
		out[col] = coerceCell(wb, sheet, cellRef, v)
	}
	return out
}

func coerceCell(wb *excelize.File, sheet, cellRef, value string) string {
	if value == "" {
		return value
	}

	if link, target, err := wb.GetCellHyperLink(sheet, cellRef); err == nil && link {
		if value != "" {
			return value
		}
		return target
	}

	if t, err := wb.GetCellType(sheet, cellRef); err == nil && t == excelize.CellTypeDate {
		if f, perr := strconv.ParseFloat(value, 64); perr == nil {
			if ts, terr := excelize.ExcelDateToTime(f, false); terr == nil {
				return ts.Format("2006-01-02")
			}
		}
	}

	return value
}

// normaliseWidth pads a row with empty strings to headerWidth or
// truncates it, per spec §4.E's header-width normalisation rule.
func normaliseWidth(row []string, headerWidth int) []string {
	if headerWidth <= 0 || len(row) == headerWidth {
		return row
	}
	if len(row) < headerWidth {
		padded := make([]string, headerWidth)
		copy(padded, row)
		return padded
	}
	return row[:headerWidth]
}

func extOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[idx:]
}
