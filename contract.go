package tabflow

import (
	"sync"
	"sync/atomic"
	"time"
)

// RowStream is the suspend-at-row-yield cooperative iterator every
// parser's Parse returns. Next returns (row, true, nil)
// for each row, (zero, false, nil) at clean EOF, and (zero, false, err) on
// failure. It must be safe to call Abort concurrently with Next.
type RowStream interface {
	Next() (ParsedRow, bool, error)
	Abort()
}

// Parser is the capability set every format implementation exposes,
// dispatched through the registry. Concrete parsers implement Parse,
// Detect, Validate, SupportedExtensions, and FormatName; BaseParser
// supplies GetStats and Abort as defaults a parser may override. BaseParser
// has no Validate method: each parser here implements Validate by passing
// its Detect result to DefaultValidate.
type Parser interface {
	Parse(path string, overrides *ParserOptions) (RowStream, error)
	Detect(path string) (DetectionResult, error)
	Validate(path string) (ValidationResult, error)
	GetStats() ParserStats
	Abort()
	SupportedExtensions() []string
	FormatName() Format
}

// BaseParser provides the shared mechanism (stats bookkeeping and the
// abort flag) that concrete parsers embed. It does not implement Validate;
// the shared confidence-threshold policy lives in DefaultValidate.
type BaseParser struct {
	mu      sync.Mutex
	stats   ParserStats
	aborted atomic.Bool
}

// NewBaseParser initializes a BaseParser stamped with the given format,
// ready for UpdateStats/AddError calls once a parse begins.
func NewBaseParser(format Format) *BaseParser {
	return &BaseParser{stats: ParserStats{Format: format}}
}

// Abort is idempotent: calling it twice has the same observable effect as
// calling it once.
func (b *BaseParser) Abort() {
	b.aborted.Store(true)
}

// Aborted reports whether Abort has been called.
func (b *BaseParser) Aborted() bool {
	return b.aborted.Load()
}

// GetStats returns a snapshot of the parser's statistics. The returned
// value is a copy; callers cannot mutate the parser's internal state
// through it.
func (b *BaseParser) GetStats() ParserStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.stats
	snap.Errors = append([]StatsError(nil), b.stats.Errors...)
	return snap
}

// StartStats marks the start of a parse. Call once per Parse invocation.
func (b *BaseParser) StartStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.StartTime = time.Now()
	b.stats.BytesProcessed = 0
	b.stats.RowsProcessed = 0
	b.stats.Errors = nil
	b.stats.EndTime = nil
	b.stats.PeakMemoryUsage = nil
}

// FinishStats marks the end of a parse.
func (b *BaseParser) FinishStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.stats.EndTime = &now
}

// AddBytes accumulates bytes_processed.
func (b *BaseParser) AddBytes(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.BytesProcessed += n
}

// IncRows increments rows_processed by one.
func (b *BaseParser) IncRows() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.RowsProcessed++
}

// AddError records an error onto the stats error list.
func (b *BaseParser) AddError(e StatsError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Errors = append(b.stats.Errors, e)
}

// RecordPeakMemory sets peak_memory_usage to the larger of the current
// value and usage.
func (b *BaseParser) RecordPeakMemory(usage int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stats.PeakMemoryUsage == nil || usage > *b.stats.PeakMemoryUsage {
		v := usage
		b.stats.PeakMemoryUsage = &v
	}
}

// DefaultValidate implements the BaseParser default: confidence > 0.8 is
// valid, > 0.5 can proceed with a warning, otherwise invalid. Concrete
// parsers needing format-specific checks (e.g. a workbook sheet existence
// check) call this first and then add their own errors/warnings.
func DefaultValidate(detected DetectionResult) ValidationResult {
	switch {
	case detected.Confidence > 0.8:
		return ValidationResult{Valid: true, CanProceed: true}
	case detected.Confidence > 0.5:
		return ValidationResult{
			Valid:      false,
			CanProceed: true,
			Warnings:   []string{"detection confidence is moderate; results may be unreliable"},
		}
	default:
		return ValidationResult{
			Valid:      false,
			CanProceed: false,
			Errors:     []string{"detection confidence too low to parse reliably"},
		}
	}
}
