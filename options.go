package tabflow

// RecoveryStrategy names one of the recovery-mode behaviours a predicate
// can trigger: skip the offending row, substitute a placeholder value,
// truncate an oversized field, or interpolate from neighbouring rows.
type RecoveryStrategy string

const (
	RecoverySkipRow         RecoveryStrategy = "skip_row"
	RecoverySubstituteValue RecoveryStrategy = "substitute_value"
	RecoveryTruncateField   RecoveryStrategy = "truncate_field"
	RecoveryInterpolate     RecoveryStrategy = "interpolate"
)

// ParseMode is a sealed discriminated union: strict, lenient(max_errors),
// or recovery(strategies). It intentionally has no exported constructor
// other than the three below, so a caller cannot build a
// lenient-plus-recovery-strategies hybrid the spec rules out.
type ParseMode interface {
	isParseMode()
}

// StrictMode aborts parsing on the first error.
type StrictMode struct{}

func (StrictMode) isParseMode() {}

// LenientMode records errors up to MaxErrors and continues.
type LenientMode struct {
	MaxErrors int
}

func (LenientMode) isParseMode() {}

// RecoveryMode applies Strategies, keyed by the error code each predicate
// matches, and continues.
type RecoveryMode struct {
	Strategies map[string]RecoveryStrategy
}

func (RecoveryMode) isParseMode() {}

// Strict is the zero-configuration strict mode.
func Strict() ParseMode { return StrictMode{} }

// Lenient builds a lenient mode with the given error budget.
func Lenient(maxErrors int) ParseMode { return LenientMode{MaxErrors: maxErrors} }

// Recovery builds a recovery mode from code->strategy predicates.
func Recovery(strategies map[string]RecoveryStrategy) ParseMode {
	return RecoveryMode{Strategies: strategies}
}

// ParserOptions is the configuration passed to a parser's Parse call. The
// delimited driver fills zero-valued MaxRows, ChunkSize, MaxFieldSize and
// SampleSize from its config.Provider when a parse starts; ParserOptions
// itself never reads configuration.
type ParserOptions struct {
	Delimiter      rune
	Quote          rune
	Escape         rune // defaults to Quote (doubled-quote escaping) when zero
	Encoding       EncodingTag
	HasHeader      bool
	LineTerminator LineTerminator
	SkipEmptyLines bool
	MaxRows        int
	ChunkSize      int
	TrimFields     bool
	MaxFieldSize   int
	AutoDetect     bool
	SampleSize     int
	Mode           ParseMode
	// Format forces dispatch to a specific format, bypassing detection
	// entirely when set on the options passed to Registry.GetParser.
	Format Format
	// SheetName and SheetIndex select a workbook sheet (spec §4.E); Index
	// is 1-based and ignored when Name is set. Both zero-valued means
	// "first non-empty sheet, else first sheet".
	SheetName  string
	SheetIndex int
	// RowRangeStart and RowRangeEnd select a [start, end) row window for
	// the columnar parser (spec §4.E); RowRangeEnd == 0 means "to the end".
	RowRangeStart int
	RowRangeEnd   int
}

// Option mutates a ParserOptions under construction. Mirrors the
// functional-options convenience the teacher's NewReaderWithOptions
// offers over a bare struct literal.
type Option func(*ParserOptions)

// DefaultParserOptions returns the spec's baseline options: comma
// delimiter, double quote, LF, auto-detection on, strict mode.
func DefaultParserOptions() ParserOptions {
	return ParserOptions{
		Delimiter:      ',',
		Quote:          '"',
		LineTerminator: LF,
		AutoDetect:     true,
		Mode:           Strict(),
	}
}

// NewParserOptions builds options starting from the defaults and applying
// opts in order.
func NewParserOptions(opts ...Option) ParserOptions {
	o := DefaultParserOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Escape == 0 {
		o.Escape = o.Quote
	}
	return o
}

func WithDelimiter(d rune) Option      { return func(o *ParserOptions) { o.Delimiter = d } }
func WithQuote(q rune) Option          { return func(o *ParserOptions) { o.Quote = q } }
func WithEscape(e rune) Option         { return func(o *ParserOptions) { o.Escape = e } }
func WithEncoding(e EncodingTag) Option { return func(o *ParserOptions) { o.Encoding = e } }
func WithHasHeader(b bool) Option      { return func(o *ParserOptions) { o.HasHeader = b } }
func WithLineTerminator(t LineTerminator) Option {
	return func(o *ParserOptions) { o.LineTerminator = t }
}
func WithSkipEmptyLines(b bool) Option { return func(o *ParserOptions) { o.SkipEmptyLines = b } }
func WithMaxRows(n int) Option         { return func(o *ParserOptions) { o.MaxRows = n } }
func WithChunkSize(n int) Option       { return func(o *ParserOptions) { o.ChunkSize = n } }
func WithTrimFields(b bool) Option     { return func(o *ParserOptions) { o.TrimFields = b } }
func WithMaxFieldSize(n int) Option    { return func(o *ParserOptions) { o.MaxFieldSize = n } }
func WithAutoDetect(b bool) Option     { return func(o *ParserOptions) { o.AutoDetect = b } }
func WithSampleSize(n int) Option      { return func(o *ParserOptions) { o.SampleSize = n } }
func WithMode(m ParseMode) Option      { return func(o *ParserOptions) { o.Mode = m } }
func WithFormat(f Format) Option       { return func(o *ParserOptions) { o.Format = f } }
func WithSheetName(name string) Option { return func(o *ParserOptions) { o.SheetName = name } }
func WithSheetIndex(n int) Option      { return func(o *ParserOptions) { o.SheetIndex = n } }
func WithRowRange(start, end int) Option {
	return func(o *ParserOptions) { o.RowRangeStart = start; o.RowRangeEnd = end }
}
