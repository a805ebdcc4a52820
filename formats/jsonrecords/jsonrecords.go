// Package jsonrecords implements the record-oriented text parser (spec
// §4.E): a JSON array of objects, a single JSON object, or newline-
// delimited JSON (JSON-Lines), each record flattened to a row against a
// header established from the first record's keys.
//
// Decoding goes through github.com/goccy/go-json rather than the standard
// library's encoding/json, matching the pack's own preference for the
// faster drop-in decoder over stdlib JSON.
package jsonrecords

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/afero"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/config"
	"github.com/datakit/tabflow/errs"
	"github.com/datakit/tabflow/logging"
)

// nonEmptyLineSampleCap is the "first 10 non-empty lines" spec §4.E names
// for the JSON-Lines fallback probe.
const nonEmptyLineSampleCap = 10

// jsonlAcceptRatio is the ">= 70%" threshold for treating a sample as
// JSON-Lines once full-document parse has failed.
const jsonlAcceptRatio = 0.7

// Options configures record flattening. FlattenSeparator defaults to "."
// and ArrayJoinSeparator to ";" when left zero-valued.
type Options struct {
	FlattenSeparator  string
	ArrayJoinSeparator string
}

func (o Options) withDefaults() Options {
	if o.FlattenSeparator == "" {
		o.FlattenSeparator = "."
	}
	if o.ArrayJoinSeparator == "" {
		o.ArrayJoinSeparator = ";"
	}
	return o
}

// Parser implements tabflow.Parser for JSON and JSON-Lines input.
type Parser struct {
	*tabflow.BaseParser

	fs      afero.Fs
	cfg     config.Provider
	logger  logging.Logger
	options Options

	aborted atomic.Bool
}

// NewParser constructs a jsonrecords.Parser. fs, cfg, and logger default
// the same way delimited.NewDriver's do.
func NewParser(fs afero.Fs, cfg config.Provider, logger logging.Logger, options Options) *Parser {
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
		BaseParser: tabflow.NewBaseParser(tabflow.FormatJSON),
		fs:         fs,
		cfg:        cfg,
		logger:     logger,
		options:    options.withDefaults(),
	}
}

// FormatName implements tabflow.Parser.
func (p *Parser) FormatName() tabflow.Format { return tabflow.FormatJSON }

// SupportedExtensions implements tabflow.Parser.
func (p *Parser) SupportedExtensions() []string { return []string{".json", ".jsonl", ".ndjson"} }

// Abort implements tabflow.Parser, additionally to the embedded
// BaseParser's flag: the streaming decode loop checks this directly so it
// can stop mid-document rather than only at the next RowStream.Next call.
func (p *Parser) Abort() {
	p.BaseParser.Abort()
	p.aborted.Store(true)
}

// Detect implements tabflow.Parser per spec §4.E's record-oriented text
// detector: attempt a full parse first (array of objects scores 0.95, a
// single object 0.9); on failure, fall back to line-by-line JSON-Lines
// probing over the first nonEmptyLineSampleCap non-empty lines.
func (p *Parser) Detect(path string) (tabflow.DetectionResult, error) {
	perf := p.cfg.GetPerformanceConfig()
	sample, err := readSample(p.fs, path, sampleSizeOrDefault(perf.SampleSize))
	if err != nil {
		return tabflow.DetectionResult{}, errs.Wrap(errs.CodeSampleReadError, 0, -1, err)
	}
	if len(sample) == 0 {
		return tabflow.DetectionResult{Format: tabflow.FormatJSON, Confidence: 0}, nil
	}

	if looksLikeArrayOfObjects(sample) {
		return tabflow.DetectionResult{Format: tabflow.FormatJSON, Confidence: 0.95}, nil
	}
	if looksLikeSingleObject(sample) {
		return tabflow.DetectionResult{Format: tabflow.FormatJSON, Confidence: 0.9}, nil
	}

	ratio := jsonlLineRatio(sample)
	if ratio >= jsonlAcceptRatio {
		return tabflow.DetectionResult{Format: tabflow.FormatJSONL, Confidence: 0.9}, nil
	}
	return tabflow.DetectionResult{Format: tabflow.FormatJSON, Confidence: 0.1}, nil
}

// Validate implements tabflow.Parser via the shared confidence threshold.
func (p *Parser) Validate(path string) (tabflow.ValidationResult, error) {
	detected, err := p.Detect(path)
	if err != nil {
		return tabflow.ValidationResult{}, err
	}
	return tabflow.DefaultValidate(detected), nil
}

func looksLikeArrayOfObjects(sample []byte) bool {
	var probe []gojson.RawMessage
	if err := gojson.Unmarshal(bytes.TrimSpace(sample), &probe); err != nil {
		return false
	}
	if len(probe) == 0 {
		return true
	}
	var obj map[string]interface{}
	return gojson.Unmarshal(probe[0], &obj) == nil
}

func looksLikeSingleObject(sample []byte) bool {
	var obj map[string]interface{}
	return gojson.Unmarshal(bytes.TrimSpace(sample), &obj) == nil
}

func jsonlLineRatio(sample []byte) float64 {
	lines := strings.Split(string(sample), "\n")
	var total, ok int
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		total++
		var obj map[string]interface{}
		if gojson.Unmarshal([]byte(l), &obj) == nil {
			ok++
		}
		if total >= nonEmptyLineSampleCap {
			break
		}
	}
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}

// jsonRowStream is the eager tabflow.RowStream this parser returns: the
// full decode happens up front (record-oriented formats have no natural
// chunk boundary the way delimited text does), then rows are served one
// at a time from a pre-built slice.
type jsonRowStream struct {
	mu      sync.Mutex
	rows    []tabflow.ParsedRow
	pos     int
	err     error
	aborted bool
}

func (s *jsonRowStream) Next() (tabflow.ParsedRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.pos >= len(s.rows) {
		return tabflow.ParsedRow{}, false, s.err
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *jsonRowStream) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
}

// Parse implements tabflow.Parser: decodes the whole document (array,
// single object, or JSON-Lines), flattens each record, establishes the
// header from the first record's flattened keys, and projects every
// subsequent record onto that header order with missing keys rendered as
// empty strings.
func (p *Parser) Parse(path string, overrides *tabflow.ParserOptions) (tabflow.RowStream, error) {
	p.StartStats()
	defer p.FinishStats()

	raw, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return nil, errs.Wrap(errs.CodePipelineError, 0, -1, err)
	}
	p.AddBytes(int64(len(raw)))
	if len(raw) == 0 {
		return nil, errs.New(errs.CodeEmptyFile, 0, -1, "input file is empty")
	}

	records, err := p.decodeRecords(raw)
	if err != nil {
		return nil, err
	}

	maxField := config.DefaultMaxFieldSize
	if overrides != nil && overrides.MaxFieldSize > 0 {
		maxField = overrides.MaxFieldSize
	}

	flat := make([]map[string]string, len(records))
	for i, rec := range records {
		flat[i] = flatten(rec, "", p.options)
	}

	header := headerFrom(flat)

	rows := make([]tabflow.ParsedRow, 0, len(flat))
	for i, rec := range flat {
		data := make([]string, len(header))
		for col, key := range header {
			v := rec[key]
			if len(v) >= maxField {
				v = v[:maxField] + "...[truncated]"
			}
			data[col] = v
		}
		rows = append(rows, tabflow.ParsedRow{Index: i, Data: data})
		p.IncRows()
	}

	return &jsonRowStream{rows: rows}, nil
}

// decodeRecords dispatches to the array, single-object, or JSON-Lines
// decode path based on the same probes Detect uses.
func (p *Parser) decodeRecords(raw []byte) ([]map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errs.New(errs.CodeEmptyFile, 0, -1, "input file is empty")
	}

	switch trimmed[0] {
	case '[':
		var records []map[string]interface{}
		if err := gojson.Unmarshal(trimmed, &records); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidJSON, 0, -1, err)
		}
		return records, nil
	case '{':
		// A document that is not one whole object but spans several lines
		// is JSON-Lines, the same fallback Detect applies.
		var obj map[string]interface{}
		if err := gojson.Unmarshal(trimmed, &obj); err == nil {
			return []map[string]interface{}{obj}, nil
		} else if !bytes.Contains(trimmed, []byte("\n")) {
			return nil, errs.Wrap(errs.CodeInvalidJSON, 0, -1, err)
		}
	}

	return p.decodeJSONL(trimmed)
}

func (p *Parser) decodeJSONL(raw []byte) ([]map[string]interface{}, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []map[string]interface{}
	lineNo := 0
	for scanner.Scan() {
		if p.aborted.Load() {
			break
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]interface{}
		if err := gojson.Unmarshal([]byte(line), &obj); err != nil {
			p.AddError(tabflow.StatsError{Code: string(errs.CodeInvalidJSONL), Row: lineNo, Column: -1, Message: err.Error()})
			p.logger.Warn("skipping unparseable JSON-Lines record", logging.F("line", lineNo))
			continue
		}
		records = append(records, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidJSONL, lineNo, -1, err)
	}
	return records, nil
}

// flatten recursively joins nested object keys with options.FlattenSeparator
// and serialises arrays as an options.ArrayJoinSeparator-joined string,
// per spec §4.E's documented best-effort behaviour.
func flatten(obj map[string]interface{}, prefix string, opts Options) map[string]string {
	out := make(map[string]string)
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + opts.FlattenSeparator + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			for fk, fv := range flatten(val, key, opts) {
				out[fk] = fv
			}
		case []interface{}:
			out[key] = joinArray(val, opts)
		case nil:
			out[key] = ""
		case string:
			out[key] = val
		case float64:
			out[key] = formatNumber(val)
		case bool:
			out[key] = strconv.FormatBool(val)
		default:
			out[key] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

func joinArray(arr []interface{}, opts Options) string {
	parts := make([]string, len(arr))
	for i, v := range arr {
		switch val := v.(type) {
		case string:
			parts[i] = val
		case float64:
			parts[i] = formatNumber(val)
		case map[string]interface{}:
			flat := flatten(val, "", opts)
			keys := make([]string, 0, len(flat))
			for k := range flat {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var sb strings.Builder
			for i, k := range keys {
				if i > 0 {
					sb.WriteByte(',')
				}
				sb.WriteString(k)
				sb.WriteByte('=')
				sb.WriteString(flat[k])
			}
			parts[i] = sb.String()
		default:
			parts[i] = fmt.Sprintf("%v", val)
		}
	}
	return strings.Join(parts, opts.ArrayJoinSeparator)
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// headerFrom establishes the header list from the first record's
// flattened keys, sorted for determinism (object key order is not stable
// across decodes).
func headerFrom(flat []map[string]string) []string {
	if len(flat) == 0 {
		return nil
	}
	header := make([]string, 0, len(flat[0]))
	for k := range flat[0] {
		header = append(header, k)
	}
	sort.Strings(header)
	return header
}

func sampleSizeOrDefault(n int) int {
	if n <= 0 {
		return config.DefaultSampleSize
	}
	return n
}

func readSample(fs afero.Fs, path string, n int) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, rerr := f.Read(buf[read:])
		read += m
		if rerr != nil {
			break
		}
	}
	return buf[:read], nil
}
