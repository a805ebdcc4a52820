package delimited

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf16"

	"github.com/spf13/afero"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/config"
	"github.com/datakit/tabflow/encoding"
	"github.com/datakit/tabflow/errs"
	"github.com/datakit/tabflow/internal/memstat"
	"github.com/datakit/tabflow/logging"
	"github.com/datakit/tabflow/dialect"
)

// memorySampleInterval is the every-10,000-rows heap check spec §4.D names.
const memorySampleInterval = 10000

// truncationMarker is appended to a field the driver truncates during
// row post-processing, so the consumer can see it was cut.
const truncationMarker = "...[truncated]"

// Driver orchestrates the encoding detector, the dialect detector, and the
// parsing state machine over chunked file I/O: spec component D. It
// implements tabflow.Parser for delimited text (and, via formats/tsv, for
// TSV with forced options).
type Driver struct {
	*tabflow.BaseParser

	fs     afero.Fs
	cfg    config.Provider
	logger logging.Logger

	mu       sync.Mutex
	lastOpts tabflow.ParserOptions
}

// NewDriver constructs a Driver. fs, cfg, and logger may be nil: fs
// defaults to the OS filesystem, cfg to config.NewStaticProvider(), and
// logger to logging.Nop().
func NewDriver(fs afero.Fs, cfg config.Provider, logger logging.Logger) *Driver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg == nil {
		cfg = config.NewStaticProvider()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Driver{
		BaseParser: tabflow.NewBaseParser(tabflow.FormatDelimited),
		fs:         fs,
		cfg:        cfg,
		logger:     logger,
	}
}

// FormatName implements tabflow.Parser.
func (d *Driver) FormatName() tabflow.Format { return tabflow.FormatDelimited }

// SupportedExtensions implements tabflow.Parser.
func (d *Driver) SupportedExtensions() []string { return []string{".csv", ".txt"} }

// Detect implements tabflow.Parser: samples the file, runs the encoding and
// dialect detectors, and reports the dialect's delimiter confidence as the
// format confidence — a plain comma/quote/CRLF table scores high, a file
// that looks like something else (JSON, a workbook) scores low enough for
// the registry to prefer a better-fitting detector.
func (d *Driver) Detect(path string) (tabflow.DetectionResult, error) {
	perf := d.cfg.GetPerformanceConfig()
	sample, err := readSample(d.fs, path, sampleSizeOrDefault(perf.SampleSize))
	if err != nil {
		return tabflow.DetectionResult{}, errs.Wrap(errs.CodeSampleReadError, 0, -1, err)
	}
	if len(sample) == 0 {
		return tabflow.DetectionResult{Format: tabflow.FormatDelimited, Confidence: 0}, nil
	}

	enc := encoding.Detect(sample)
	text := decodeBytes(enc.Tag, stripBOM(sample, enc))
	dlt := dialect.Detect(text)

	return tabflow.DetectionResult{
		Format:     tabflow.FormatDelimited,
		Confidence: dlt.DelimiterConfidence,
		Metadata: map[string]interface{}{
			"encoding":   string(enc.Tag),
			"delimiter":  string(dlt.Delimiter),
			"has_header": dlt.HasHeader,
		},
	}, nil
}

// Validate implements tabflow.Parser via the shared confidence-threshold
// default.
func (d *Driver) Validate(path string) (tabflow.ValidationResult, error) {
	detected, err := d.Detect(path)
	if err != nil {
		return tabflow.ValidationResult{}, err
	}
	return tabflow.DefaultValidate(detected), nil
}

// GetOptions returns the effective options from the most recently started
// Parse call (post auto-detection), so a consumer can read has_header
// without the driver stripping the header row itself.
func (d *Driver) GetOptions() tabflow.ParserOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOpts
}

// Parse implements tabflow.Parser: opens path, runs auto-detection if
// requested, and returns a lazily-produced RowStream. overrides, if
// non-nil, replace tabflow.DefaultParserOptions() as a whole (a zero
// Escape still defaults to Quote); nil overrides uses the defaults. Zero
// MaxRows, ChunkSize, MaxFieldSize and SampleSize are filled from the
// config provider when the parse starts.
func (d *Driver) Parse(path string, overrides *tabflow.ParserOptions) (tabflow.RowStream, error) {
	opts := tabflow.DefaultParserOptions()
	if overrides != nil {
		opts = *overrides
		if opts.Escape == 0 {
			opts.Escape = opts.Quote
		}
	}
	perf := d.cfg.GetPerformanceConfig()
	stream := newRowStream(perf.BatchSize)

	d.StartStats()
	go d.run(path, opts, perf, stream)

	return stream, nil
}

func sampleSizeOrDefault(n int) int {
	if n <= 0 {
		return config.DefaultSampleSize
	}
	return n
}

func chunkSizeOrDefault(n int) int {
	if n <= 0 {
		return config.DefaultChunkSize
	}
	return n
}

func maxFieldSizeOrDefault(n int) int {
	if n <= 0 {
		return config.DefaultMaxFieldSize
	}
	return n
}

func batchSizeOrDefault(n int) int {
	if n <= 0 {
		return config.DefaultBatchSize
	}
	return n
}

func memThresholdBytesOrDefault(n int64) int64 {
	if n <= 0 {
		return config.DefaultMemoryThresholdBytes
	}
	return n
}

func memThresholdMBOrDefault(n int) int64 {
	if n <= 0 {
		n = config.DefaultMemoryThresholdMB
	}
	return int64(n) * 1024 * 1024
}

// run performs the actual read/decode/parse pipeline, delivering rows (or
// a terminal error) to stream. It always runs on its own goroutine.
func (d *Driver) run(path string, opts tabflow.ParserOptions, perf config.PerformanceConfig, stream *rowStream) {
	defer d.FinishStats()

	info, err := d.fs.Stat(path)
	if err != nil {
		stream.fail(errs.Wrap(errs.CodeSampleReadError, 0, -1, err))
		return
	}
	if info.Size() == 0 {
		stream.fail(errs.New(errs.CodeEmptyFile, 0, -1, "input file is empty"))
		return
	}

	// Zero-valued limits fall back to the config provider's values.
	if opts.MaxRows <= 0 {
		opts.MaxRows = perf.MaxRows
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = perf.ChunkSize
	}
	if opts.MaxFieldSize <= 0 {
		opts.MaxFieldSize = perf.MaxFieldSize
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = perf.SampleSize
	}

	if opts.AutoDetect {
		detected, derr := d.autoDetect(path, opts, sampleSizeOrDefault(opts.SampleSize))
		if derr != nil {
			stream.fail(derr)
			return
		}
		opts = detected
	}

	d.mu.Lock()
	d.lastOpts = opts
	d.mu.Unlock()

	threshold := memThresholdMBOrDefault(d.cfg.GetStreamingConfig().MemoryThresholdMB)
	useStreaming := info.Size() > threshold

	if !useStreaming {
		rows, perr := d.runInMemory(path, opts, perf, stream)
		if perr != nil {
			if errs.Is(perr, errs.CodeMemoryLimit) {
				d.logger.Warn("in-memory parse exceeded heap watermark, retrying as streaming",
					logging.F("path", path))
				useStreaming = true
				// The failed in-memory pass already incremented stats for
				// the rows/bytes it saw before hitting the watermark; the
				// streaming retry re-reads the file from the start, so the
				// counters must reset or it would double-count.
				d.StartStats()
			} else {
				stream.fail(perr)
				return
			}
		} else {
			for _, r := range rows {
				if !stream.push(r) {
					return
				}
			}
			stream.close()
			return
		}
	}

	if err := d.runStreaming(path, opts, stream); err != nil {
		stream.fail(err)
		return
	}
	stream.close()
}

// autoDetect implements the "Auto-detection flow" spec.md §4.D names: read
// sample_size bytes, run the encoding then dialect detectors, and overwrite
// the in-use options.
func (d *Driver) autoDetect(path string, opts tabflow.ParserOptions, sampleSize int) (tabflow.ParserOptions, error) {
	sample, err := readSample(d.fs, path, sampleSize)
	if err != nil {
		return opts, errs.Wrap(errs.CodeSampleReadError, 0, -1, err)
	}
	if len(sample) == 0 {
		return opts, errs.New(errs.CodeEmptyFile, 0, -1, "input file is empty")
	}

	enc := encoding.Detect(sample)
	text := decodeBytes(enc.Tag, stripBOM(sample, enc))
	dlt := dialect.Detect(text)

	// An escape still equal to the pre-detection quote (the common case:
	// zero-value, or the doubled-quote default NewParserOptions fills in)
	// is a default, not a caller override, and must track the newly
	// detected quote rather than go stale.
	escapeWasDefaulted := opts.Escape == 0 || opts.Escape == opts.Quote

	opts.Encoding = enc.Tag
	opts.Delimiter = dlt.Delimiter
	opts.Quote = dlt.Quote
	opts.LineTerminator = dlt.LineTerminator
	opts.HasHeader = dlt.HasHeader
	if escapeWasDefaulted {
		opts.Escape = opts.Quote
	}

	d.logger.Debug("auto-detected dialect",
		logging.F("encoding", string(enc.Tag)),
		logging.F("delimiter", string(dlt.Delimiter)),
		logging.F("has_header", dlt.HasHeader),
		logging.F("line_terminator", string(dlt.LineTerminator)),
	)

	return opts, nil
}

// runInMemory accumulates every row before returning, sampling the heap
// every memorySampleInterval rows; it returns an errs.CodeMemoryLimit
// error (never fatal to the caller) when the watermark is crossed so run
// can retry via runStreaming.
func (d *Driver) runInMemory(path string, opts tabflow.ParserOptions, perf config.PerformanceConfig, stream *rowStream) ([]tabflow.ParsedRow, error) {
	var rows []tabflow.ParsedRow
	threshold := memThresholdBytesOrDefault(perf.MemoryThresholdBytes)
	rowsEmitted := 0

	err := d.walkRows(path, opts, stream, func(row tabflow.ParsedRow) (bool, error) {
		rows = append(rows, row)
		rowsEmitted++
		if rowsEmitted%memorySampleInterval == 0 {
			usage := memstat.HeapAlloc()
			d.RecordPeakMemory(usage)
			if usage > threshold {
				return false, errs.New(errs.CodeMemoryLimit, row.Index, -1,
					"heap usage exceeded the configured memory threshold")
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// runStreaming pushes rows onto stream as they complete, batched in
// groups of BatchSize: the channel's buffered capacity is the batch, so
// the producer blocks (flushes) once a batch fills until the consumer
// drains it.
func (d *Driver) runStreaming(path string, opts tabflow.ParserOptions, stream *rowStream) error {
	return d.walkRows(path, opts, stream, func(row tabflow.ParsedRow) (bool, error) {
		if !stream.push(row) {
			return false, nil
		}
		return true, nil
	})
}

// walkRows is the shared chunk-read/decode/feed pipeline both execution
// modes drive; deliver is called once per post-processed row in strict
// source order and decides whether to keep going.
func (d *Driver) walkRows(path string, opts tabflow.ParserOptions, stream *rowStream, deliver func(tabflow.ParsedRow) (bool, error)) error {
	f, err := d.fs.Open(path)
	if err != nil {
		return errs.Wrap(errs.CodePipelineError, 0, -1, err)
	}
	defer f.Close()

	chunkSize := chunkSizeOrDefault(opts.ChunkSize)
	maxField := maxFieldSizeOrDefault(opts.MaxFieldSize)

	rowsEmitted := 0
	errorCount := 0
	var lastFields []string
	var deliverErr error
	aborted := false

	mc := Config{
		Delimiter:    opts.Delimiter,
		Quote:        opts.Quote,
		Escape:       opts.Escape,
		TrimFields:   opts.TrimFields,
		MaxFieldSize: maxField,
	}

	var machine *Machine
	machine = New(mc, func(fields []string) {
		if aborted || deliverErr != nil {
			return
		}
		rowErrs := machine.DrainErrors()
		if abortErr := d.checkErrorBudget(opts, rowErrs, &errorCount); abortErr != nil {
			deliverErr = abortErr
			aborted = true
			return
		}
		fields, drop := applyRecoveryStrategies(opts, fields, rowErrs, lastFields)
		if drop {
			return
		}
		row, ok, cutoff := d.prepareRow(fields, opts, maxField, &rowsEmitted)
		if cutoff {
			aborted = true
			return
		}
		if !ok {
			return
		}
		lastFields = row.Data
		keepGoing, err := deliver(row)
		if err != nil {
			deliverErr = err
			return
		}
		if !keepGoing {
			aborted = true
		}
	})

	reader := bufio.NewReaderSize(f, chunkSize)
	buf := make([]byte, chunkSize)
	firstChunk := true
	var pendingText strings.Builder
	term := terminatorString(opts.LineTerminator)

	for !aborted && deliverErr == nil {
		if d.Aborted() || stream.isAborted() {
			break
		}
		n, rerr := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if firstChunk {
				if skip := bomSkipLen(chunk, opts.Encoding); skip > 0 {
					chunk = chunk[skip:]
				}
				firstChunk = false
			}
			d.AddBytes(int64(n))
			pendingText.WriteString(decodeBytes(opts.Encoding, chunk))

			text := pendingText.String()
			if idx := lastTerminatorIndex(text, term); idx >= 0 {
				cut := idx + len(term)
				machine.Feed(text[:cut])
				pendingText.Reset()
				pendingText.WriteString(text[cut:])
			}
			if abortErr := d.checkErrorBudget(opts, machine.DrainErrors(), &errorCount); abortErr != nil {
				deliverErr = abortErr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errs.Wrap(errs.CodeStreamingPipelineError, 0, -1, rerr)
		}
	}

	if deliverErr == nil && !aborted {
		if remaining := pendingText.String(); remaining != "" {
			machine.Feed(remaining)
		}
		if residual := machine.Finalize(); residual != nil {
			rowErrs := machine.DrainErrors()
			if abortErr := d.checkErrorBudget(opts, rowErrs, &errorCount); abortErr != nil {
				deliverErr = abortErr
			} else {
				fields, drop := applyRecoveryStrategies(opts, residual, rowErrs, lastFields)
				if !drop {
					row, ok, _ := d.prepareRow(fields, opts, maxField, &rowsEmitted)
					if ok {
						if _, err := deliver(row); err != nil {
							deliverErr = err
						}
					}
				}
			}
		}
		if deliverErr == nil {
			if abortErr := d.checkErrorBudget(opts, machine.DrainErrors(), &errorCount); abortErr != nil {
				deliverErr = abortErr
			}
		}
	}

	return deliverErr
}

// buildRow applies spec §4.D's "Row post-processing" field-level rules
// (oversized-field truncation with an elision marker) and assigns index,
// without touching any shared counters — pure row construction.
func (d *Driver) buildRow(fields []string, opts tabflow.ParserOptions, maxField int, index int) tabflow.ParsedRow {
	var meta map[string]string
	for i, f := range fields {
		if len(f) >= maxField {
			fields[i] = f + truncationMarker
			if meta == nil {
				meta = make(map[string]string)
			}
			meta["truncated"] = "true"
			d.logger.Warn("field truncated to max_field_size",
				logging.F("column", i))
		}
	}

	return tabflow.ParsedRow{
		Index:    index,
		Data:     fields,
		Raw:      strings.Join(fields, string(opts.Delimiter)),
		Metadata: meta,
	}
}

// prepareRow decides whether fields become a delivered row, skipped
// (blank-line elision, which never counts toward MaxRows), or cut off by
// MaxRows. The MaxRows comparison happens against the already-emitted count
// before any stats mutation, so the row that trips the cutoff is never
// counted into ParserStats.RowsProcessed or assigned an Index.
func (d *Driver) prepareRow(fields []string, opts tabflow.ParserOptions, maxField int, rowsEmitted *int) (row tabflow.ParsedRow, ok bool, cutoff bool) {
	if opts.SkipEmptyLines && allBlank(fields) {
		return tabflow.ParsedRow{}, false, false
	}
	if opts.MaxRows > 0 && *rowsEmitted >= opts.MaxRows {
		return tabflow.ParsedRow{}, false, true
	}

	row = d.buildRow(fields, opts, maxField, *rowsEmitted)
	*rowsEmitted++
	d.IncRows()
	return row, true, false
}

func (d *Driver) handleMachineError(opts tabflow.ParserOptions, e *errs.ParseError) {
	d.AddError(tabflow.StatsError{Code: string(e.Code), Row: e.Row, Column: e.Column, Message: e.Message})
	d.logger.Warn("parse error recorded", logging.F("code", string(e.Code)), logging.F("row", e.Row))
}

// checkErrorBudget records every error in rowErrs and reports whether the
// configured ParseMode requires aborting the parse: strict mode aborts on
// the first error, lenient mode aborts once errorCount exceeds MaxErrors,
// recovery mode never aborts here (its Strategies are applied by
// applyRecoveryStrategies instead).
func (d *Driver) checkErrorBudget(opts tabflow.ParserOptions, rowErrs []*errs.ParseError, errorCount *int) error {
	for _, e := range rowErrs {
		d.handleMachineError(opts, e)
		*errorCount++
		switch mode := opts.Mode.(type) {
		case tabflow.StrictMode:
			return e
		case tabflow.LenientMode:
			if mode.MaxErrors > 0 && *errorCount > mode.MaxErrors {
				return errs.New(errs.CodeTooManyErrors, e.Row, e.Column,
					"error count exceeded the configured max_errors budget")
			}
		}
	}
	return nil
}

// recoverySubstitutePlaceholder is the value substitute_value writes in
// place of a field flagged by a matching error.
const recoverySubstitutePlaceholder = "<invalid>"

// applyRecoveryStrategies dispatches RecoveryMode.Strategies against the
// row's own errors (field-level errors recorded while building this same
// row, per spec §7's per-error-code predicate). Row-level errors such as
// UNBALANCED_QUOTE are not dispatched here: the state machine has already
// discarded that row by the time its error surfaces, which is exactly the
// skip_row behaviour for that error class. Returns the (possibly modified)
// fields and whether the row should be dropped entirely.
func applyRecoveryStrategies(opts tabflow.ParserOptions, fields []string, rowErrs []*errs.ParseError, lastFields []string) ([]string, bool) {
	recovery, ok := opts.Mode.(tabflow.RecoveryMode)
	if !ok || len(recovery.Strategies) == 0 {
		return fields, false
	}
	for _, e := range rowErrs {
		if e.Code != errs.CodeFieldTooLarge {
			continue
		}
		strategy, ok := recovery.Strategies[string(e.Code)]
		if !ok {
			continue
		}
		switch strategy {
		case tabflow.RecoverySkipRow:
			return nil, true
		case tabflow.RecoverySubstituteValue:
			if e.Column >= 0 && e.Column < len(fields) {
				fields[e.Column] = recoverySubstitutePlaceholder
			}
		case tabflow.RecoveryInterpolate:
			if e.Column >= 0 && e.Column < len(fields) && e.Column < len(lastFields) {
				fields[e.Column] = lastFields[e.Column]
			}
		case tabflow.RecoveryTruncateField:
			// Already truncated by the machine; nothing further to do.
		}
	}
	return fields, false
}

func allBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func terminatorString(t tabflow.LineTerminator) string {
	if t == tabflow.CRLF {
		return "\r\n"
	}
	return "\n"
}

func lastTerminatorIndex(s, term string) int {
	return strings.LastIndex(s, term)
}

// readSample reads up to n bytes from the start of path.
func readSample(fs afero.Fs, path string, n int) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// bomSkipLen reports how many leading bytes of chunk are a BOM matching
// tag, so the first chunk of the chunk pipeline can strip it even when
// auto-detection was skipped (options.Encoding forced by the caller).
func bomSkipLen(chunk []byte, tag tabflow.EncodingTag) int {
	enc := encoding.Detect(chunk)
	if !enc.HasBOM {
		return 0
	}
	if tag != "" && enc.Tag != tag {
		return 0
	}
	return enc.BOMLength
}

func stripBOM(buf []byte, enc tabflow.DetectedEncoding) []byte {
	if enc.HasBOM && len(buf) >= enc.BOMLength {
		return buf[enc.BOMLength:]
	}
	return buf
}

// decodeBytes transcodes raw bytes of the given tag to text. UTF-8 passes
// through unchanged (the common case); UTF-16 variants are decoded via the
// standard library's unicode/utf16, since none of the retrieved example
// repos carry a UTF-16 transcoding library (golang.org/x/text/encoding is
// absent from every go.mod in the pack).
func decodeBytes(tag tabflow.EncodingTag, buf []byte) string {
	switch tag {
	case tabflow.EncodingUTF16LE:
		return decodeUTF16(buf, binary.LittleEndian)
	case tabflow.EncodingUTF16BE:
		return decodeUTF16(buf, binary.BigEndian)
	default:
		return string(buf)
	}
}

func decodeUTF16(buf []byte, order binary.ByteOrder) string {
	n := len(buf) / 2
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = order.Uint16(buf[i*2 : i*2+2])
	}
	return string(utf16.Decode(units))
}

// rowStream is the channel-backed tabflow.RowStream every Driver.Parse
// call returns: a single producer goroutine feeds rowCh in strict source
// order, and Abort closes done so the producer stops at its next
// opportunity without reordering or buffering beyond the batch already in
// flight.
type rowStream struct {
	rowCh chan tabflow.ParsedRow
	errCh chan error
	done  chan struct{}

	abortOnce sync.Once
	closeOnce sync.Once
	aborted   atomic.Bool
}

func newRowStream(batchSize int) *rowStream {
	return &rowStream{
		rowCh: make(chan tabflow.ParsedRow, batchSizeOrDefault(batchSize)),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
}

// push delivers row to the consumer, blocking until there is room (the
// "batch fills, flush, release" behaviour spec.md §4.D describes). It
// returns false if the stream was aborted while waiting.
func (s *rowStream) push(row tabflow.ParsedRow) bool {
	select {
	case s.rowCh <- row:
		return true
	case <-s.done:
		return false
	}
}

func (s *rowStream) close() {
	s.closeOnce.Do(func() { close(s.rowCh) })
}

func (s *rowStream) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
	s.closeOnce.Do(func() { close(s.rowCh) })
}

// Next implements tabflow.RowStream.
func (s *rowStream) Next() (tabflow.ParsedRow, bool, error) {
	row, ok := <-s.rowCh
	if !ok {
		select {
		case err := <-s.errCh:
			return tabflow.ParsedRow{}, false, err
		default:
			return tabflow.ParsedRow{}, false, nil
		}
	}
	return row, true, nil
}

// Abort implements tabflow.RowStream: idempotent, lets the in-flight chunk
// drain rather than forcibly killing the producer goroutine mid-write.
func (s *rowStream) Abort() {
	if s.aborted.CompareAndSwap(false, true) {
		s.abortOnce.Do(func() { close(s.done) })
	}
}

func (s *rowStream) isAborted() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
