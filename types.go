// Package tabflow is the streaming tabular-data ingestion and
// format-detection engine's public contract: the row/stats/options types
// every format implementation shares, and the BaseParser capability set
// (parse, detect, validate, stats, abort) that the registry dispatches
// against.
package tabflow

import "time"

// Format identifies a container format the registry can dispatch to.
type Format string

const (
	FormatDelimited Format = "delimited"
	FormatTSV       Format = "tsv"
	FormatJSON      Format = "json"
	FormatJSONL     Format = "jsonl"
	FormatWorkbook  Format = "workbook"
	FormatColumnar  Format = "columnar"
)

// LineTerminator is one of the two terminators the core recognises.
type LineTerminator string

const (
	LF   LineTerminator = "LF"
	CRLF LineTerminator = "CRLF"
)

// DetectedEncoding is the immutable result of the encoding detector.
// Tag is always one of utf8, utf16-le, or utf16-be; see EncodingTag.
type DetectedEncoding struct {
	Tag        EncodingTag
	Confidence float64
	HasBOM     bool
	BOMLength  int
}

// EncodingTag is the closed set of encodings the detector can name.
type EncodingTag string

const (
	EncodingUTF8      EncodingTag = "utf8"
	EncodingUTF16LE   EncodingTag = "utf16-le"
	EncodingUTF16BE   EncodingTag = "utf16-be"
)

// DetectedDialect is the immutable result of the dialect detector. Each
// field carries its own confidence because the four are inferred
// independently.
type DetectedDialect struct {
	Delimiter          rune
	DelimiterConfidence float64
	Quote              rune
	QuoteConfidence    float64
	LineTerminator     LineTerminator
	LineTermConfidence float64
	HasHeader          bool
	HeaderConfidence   float64
}

// ParsedRow is a single normalized row emitted by a parser.
type ParsedRow struct {
	// Index is the row's position among emitted rows (zero-based), not
	// its byte offset. The n-th emitted row has Index == n-1.
	Index int
	// Data holds the ordered field values. Length may legitimately vary
	// row to row; delimited-text parsing never pads or truncates ragged
	// rows, while the workbook parser normalises each row to the header
	// row's width.
	Data []string
	// Raw is the original substring the row was parsed from, when the
	// parser retains it (delimited-text parsing populates this; others
	// may leave it empty).
	Raw string
	// Metadata carries parser-specific annotations (e.g. a truncation
	// marker on a field that hit MaxFieldSize).
	Metadata map[string]string
}

// ParserStats is mutated only by the parser that owns it; consumers
// receive copies through GetStats.
type ParserStats struct {
	BytesProcessed  int64        `json:"bytes_processed"`
	RowsProcessed   int          `json:"rows_processed"`
	Errors          []StatsError `json:"errors"`
	StartTime       time.Time    `json:"start_time"`
	EndTime         *time.Time   `json:"end_time,omitempty"`
	PeakMemoryUsage *int64       `json:"peak_memory_usage,omitempty"`
	Format          Format       `json:"format"`
}

// StatsError is the serializable projection of an *errs.ParseError
// recorded onto ParserStats.Errors. It intentionally does not reference
// the errs package so ParserStats stays marshalable with no cyclic or
// stack-trace-carrying fields.
type StatsError struct {
	Code    string `json:"code"`
	Row     int    `json:"row"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// DetectionResult is what a format's detector returns. A detector may also
// return an error instead, e.g. the workbook detector when the file cannot
// be opened. The result holds a confidence and
// optional format-specific metadata (e.g. a
// workbook's sheet names, or a columnar file's row-group count).
type DetectionResult struct {
	Format     Format
	Confidence float64
	Metadata   map[string]interface{}
}

// ValidationResult is the outcome of validate(path).
type ValidationResult struct {
	Valid          bool
	Errors         []string
	Warnings       []string
	CanProceed     bool
	SuggestedFixes []string
}
