// Package columnar implements the columnar binary parser (spec §4.E): a
// Parquet-family footer metadata probe and row-group-streaming reader
// built on github.com/apache/arrow-go/v18.
package columnar

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/spf13/afero"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/config"
	"github.com/datakit/tabflow/errs"
	"github.com/datakit/tabflow/logging"
)

// Parser implements tabflow.Parser for Parquet-family columnar binary
// input.
type Parser struct {
	*tabflow.BaseParser

	fs     afero.Fs
	cfg    config.Provider
	logger logging.Logger

	aborted atomic.Bool
}

// NewParser constructs a columnar.Parser.
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
		BaseParser: tabflow.NewBaseParser(tabflow.FormatColumnar),
		fs:         fs,
		cfg:        cfg,
		logger:     logger,
	}
}

// FormatName implements tabflow.Parser.
func (p *Parser) FormatName() tabflow.Format { return tabflow.FormatColumnar }

// SupportedExtensions implements tabflow.Parser.
func (p *Parser) SupportedExtensions() []string { return []string{".parquet"} }

// Abort implements tabflow.Parser.
func (p *Parser) Abort() {
	p.BaseParser.Abort()
	p.aborted.Store(true)
}

func (p *Parser) openReader(path string) (afero.File, *file.Reader, error) {
	f, err := p.fs.Open(path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodePipelineError, 0, -1, err)
	}
	rdr, err := file.NewParquetReader(f)
	if err != nil {
		f.Close()
		return nil, nil, errs.Wrap(errs.CodeMetadataLoadFailed, 0, -1, err)
	}
	return f, rdr, nil
}

// Detect implements tabflow.Parser: inspects the footer metadata only —
// row count, column names, row-group count, and the first row group's
// codec — per spec §4.E.
func (p *Parser) Detect(path string) (tabflow.DetectionResult, error) {
	f, rdr, err := p.openReader(path)
	if err != nil {
		return tabflow.DetectionResult{Format: tabflow.FormatColumnar, Confidence: 0.1}, nil
	}
	defer f.Close()
	defer rdr.Close()

	meta := rdr.MetaData()
	schema := meta.Schema

	names := make([]string, schema.NumColumns())
	for i := 0; i < schema.NumColumns(); i++ {
		names[i] = schema.Column(i).Name()
	}

	codec := ""
	if rdr.NumRowGroups() > 0 {
		rg := meta.RowGroup(0)
		if rg.NumColumns() > 0 {
			if cc, cerr := rg.ColumnChunk(0); cerr == nil {
				codec = cc.Compression().String()
			}
		}
	}

	return tabflow.DetectionResult{
		Format:     tabflow.FormatColumnar,
		Confidence: 0.95,
		Metadata: map[string]interface{}{
			"row_count":       meta.NumRows(),
			"column_names":    names,
			"row_group_count": rdr.NumRowGroups(),
			"codec":           codec,
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

type columnarRowStream struct {
	rows    []tabflow.ParsedRow
	pos     int
	err     error
	aborted atomic.Bool
}

func (s *columnarRowStream) Next() (tabflow.ParsedRow, bool, error) {
	if s.aborted.Load() || s.pos >= len(s.rows) {
		return tabflow.ParsedRow{}, false, s.err
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *columnarRowStream) Abort() { s.aborted.Store(true) }

// Parse implements tabflow.Parser: reads the row groups in order through
// Arrow's record reader, converting each record batch to string rows in
// schema column order. The RowRangeStart/RowRangeEnd window is applied by
// counting rows across row groups: rows before the window are read and
// dropped, and reading stops once the end of the window is reached.
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

	f, rdr, err := p.openReader(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer rdr.Close()

	arrowRdr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, errs.Wrap(errs.CodeMetadataLoadFailed, 0, -1, err)
	}

	start, end := rangeFromOptions(overrides)

	var rows []tabflow.ParsedRow
	rowIdx := 0
	ctx := context.Background()

	for rg := 0; rg < rdr.NumRowGroups(); rg++ {
		if p.aborted.Load() {
			break
		}
		recordRdr, err := arrowRdr.GetRecordReader(ctx, nil, []int{rg})
		if err != nil {
			return nil, errs.Wrap(errs.CodeStreamingPipelineError, 0, -1, err)
		}

		for recordRdr.Next() {
			rec := recordRdr.Record()
			nCols := int(rec.NumCols())
			nRows := int(rec.NumRows())
			for r := 0; r < nRows; r++ {
				if p.aborted.Load() {
					break
				}
				if end > 0 && rowIdx >= end {
					break
				}
				if rowIdx >= start {
					data := make([]string, nCols)
					for c := 0; c < nCols; c++ {
						data[c] = cellToString(rec.Column(c), r)
					}
					rows = append(rows, tabflow.ParsedRow{Index: len(rows), Data: data})
					p.IncRows()
				}
				rowIdx++
			}
		}
		recordRdr.Release()
		if end > 0 && rowIdx >= end {
			break
		}
	}

	return &columnarRowStream{rows: rows}, nil
}

func rangeFromOptions(overrides *tabflow.ParserOptions) (start, end int) {
	if overrides == nil {
		return 0, 0
	}
	return overrides.RowRangeStart, overrides.RowRangeEnd
}

// cellToString converts one cell of an Arrow column to its string
// representation per spec §4.E: big integers stringify exactly, integral
// floats render without scientific notation, and date/timestamp values
// render as ISO-8601.
func cellToString(col arrow.Array, row int) string {
	if col.IsNull(row) {
		return ""
	}

	switch v := col.GetOneForMarshal(row).(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return formatFloat(float64(v))
	case float64:
		return formatFloat(v)
	case *big.Int:
		return v.String()
	case big.Int:
		return v.String()
	case time.Time:
		return v.Format("2006-01-02")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// formatFloat renders integral-valued floats without scientific notation
// or a trailing ".0", and falls back to Go's shortest round-trippable
// decimal form otherwise.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if strings.Contains(s, "e") || strings.Contains(s, "E") {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}
