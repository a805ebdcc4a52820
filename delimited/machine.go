// Package delimited implements the Parsing State Machine (component C)
// and the Streaming Parser Driver (component D): the character-by-character
// state machine that turns a character stream into rows of fields, and the
// driver that feeds it chunked input with backpressure, batching, a
// memory watch, abort, and three error-handling modes.
//
// This is the "simple, statistically-grounded" path spec.md's Open
// Questions call out — a portable scalar state machine, not the teacher's
// SIMD bitmask scan, which is gated behind goexperiment.simd and is
// explicitly out of scope here.
package delimited

import (
	"strings"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/errs"
)

// State is one of the six tagged states spec §4.C names.
type State int

const (
	FieldStart State = iota
	InField
	InQuotedField
	QuoteInQuotedField
	FieldEnd
	RowEnd
)

func (s State) String() string {
	switch s {
	case FieldStart:
		return "FieldStart"
	case InField:
		return "InField"
	case InQuotedField:
		return "InQuotedField"
	case QuoteInQuotedField:
		return "QuoteInQuotedField"
	case FieldEnd:
		return "FieldEnd"
	case RowEnd:
		return "RowEnd"
	default:
		return "Unknown"
	}
}

// Machine is a stateful transformer consuming characters incrementally and
// emitting completed rows. The same instance preserves partial state
// between Feed calls so it can be driven across chunk boundaries.
//
// Per spec §4.C, per-character failures (e.g. a field exceeding
// MaxFieldSize) never escape Feed as a Go error: they are recorded onto
// the list DrainErrors returns and the machine keeps consuming the byte
// stream. Mode-driven
// abort (strict mode stopping the whole parse on the first error) is the
// driver's responsibility, since only the driver knows the configured
// ParseMode's policy.
type Machine struct {
	delimiter rune
	quote     rune
	escape    rune
	hasEscape bool // true when escape != quote (lookahead-verbatim mode)

	trimFields   bool
	maxFieldSize int

	state State

	field            strings.Builder // current field accumulator (raw, untrimmed)
	fieldOverLimit   bool            // true once this field has hit MaxFieldSize
	quoted           bool            // true once we've seen the opening quote for this field
	quoteFixed       bool            // true once QuoteInQuotedField->other fixed the content
	quoteFixedVal    string

	pendingCRField string // field content captured when CR triggered RowEnd
	pendingCRSeen  bool

	escapeArmed bool // next rune is appended verbatim (custom escape char)

	row []string

	rowIndex int // zero-based index of the row currently being assembled
	colIndex int // zero-based column (field) index within the row
	byteOff  int64

	pendingErrors []*errs.ParseError // errors recorded since the caller last drained them

	emit func(fields []string)
}

// Config bundles the construction-time parameters for a Machine.
type Config struct {
	Delimiter    rune
	Quote        rune
	Escape       rune // 0 means "defaults to Quote"
	TrimFields   bool
	MaxFieldSize int
}

// New constructs a Machine in FieldStart, ready to Feed. onRow is called
// synchronously for every row the machine completes.
func New(cfg Config, onRow func(fields []string)) *Machine {
	quote := cfg.Quote
	if quote == 0 {
		quote = '"'
	}
	escape := cfg.Escape
	if escape == 0 {
		escape = quote
	}
	maxField := cfg.MaxFieldSize
	if maxField <= 0 {
		maxField = 1 << 20
	}
	return &Machine{
		delimiter:    cfg.Delimiter,
		quote:        quote,
		escape:       escape,
		hasEscape:    escape != quote,
		trimFields:   cfg.TrimFields,
		maxFieldSize: maxField,
		state:        FieldStart,
		emit:         onRow,
	}
}

// DrainErrors returns and clears the errors recorded since the last call.
func (m *Machine) DrainErrors() []*errs.ParseError {
	out := m.pendingErrors
	m.pendingErrors = nil
	return out
}

// RowIndex returns the number of rows emitted so far (also the index the
// next emitted row will receive).
func (m *Machine) RowIndex() int { return m.rowIndex }

// State returns the machine's current state, mostly useful for tests and
// diagnostics.
func (m *Machine) State() State { return m.state }

// Feed processes chunk, emitting completed rows via the onRow callback
// supplied to New. It may be called repeatedly on successive chunks; the
// Machine preserves partial field/row state between calls.
func (m *Machine) Feed(chunk string) {
	for _, r := range chunk {
		m.step(r)
		m.byteOff += int64(len(string(r)))
	}
}

// Finalize flushes any non-empty accumulator and any in-progress row,
// returning the residual row if one exists.
func (m *Machine) Finalize() []string {
	switch m.state {
	case RowEnd:
		// A trailing bare CR with nothing after it still closes the row,
		// the same as CRLF would have.
		m.appendFinishedField(m.pendingCRField)
		m.pendingCRField = ""
		m.pendingCRSeen = false
	case FieldStart:
		if len(m.row) == 0 {
			return nil
		}
	case InQuotedField:
		m.recoverUnbalancedQuote("quoted field was never closed before end of input")
		return nil
	default:
		m.finishCurrentField()
	}
	if len(m.row) == 0 {
		return nil
	}
	residual := m.row
	m.row = nil
	m.colIndex = 0
	m.rowIndex++
	return residual
}

// step advances the machine by exactly one rune.
func (m *Machine) step(r rune) {
	if m.escapeArmed {
		m.escapeArmed = false
		m.appendRuneChecked(r)
		return
	}

	switch m.state {
	case FieldStart:
		m.stepFieldStart(r)
	case InField:
		m.stepInField(r)
	case InQuotedField:
		m.stepInQuotedField(r)
	case QuoteInQuotedField:
		m.stepQuoteInQuotedField(r)
	case FieldEnd:
		m.stepFieldEnd(r)
	case RowEnd:
		m.stepRowEnd(r)
	}
}

func (m *Machine) stepFieldStart(r rune) {
	switch {
	case r == m.quote:
		m.quoted = true
		m.state = InQuotedField
	case r == m.delimiter:
		m.finishCurrentField()
	case r == '\n':
		m.finishCurrentField()
		m.emitRow()
	case r == '\r':
		m.enterRowEnd()
	default:
		m.state = InField
		m.appendRuneChecked(r)
	}
}

func (m *Machine) stepInField(r rune) {
	switch {
	case r == m.delimiter:
		m.finishCurrentField()
	case r == '\n':
		m.finishCurrentField()
		m.emitRow()
	case r == '\r':
		m.enterRowEnd()
	default:
		m.appendRuneChecked(r)
	}
}

func (m *Machine) stepInQuotedField(r rune) {
	switch {
	case m.hasEscape && r == m.escape:
		m.escapeArmed = true
	case r == m.quote:
		m.state = QuoteInQuotedField
	case r == '\n':
		// An unescaped line terminator inside an open quote means the quote
		// was never closed. Per spec, the parser recovers at the next LF:
		// the malformed row is discarded and parsing resumes fresh with the
		// next line.
		m.recoverUnbalancedQuote("quoted field was never closed; row discarded and parsing resumed at the next line")
	default:
		m.appendRuneChecked(r)
	}
}

func (m *Machine) stepQuoteInQuotedField(r rune) {
	switch {
	case r == m.quote:
		// Doubled-quote collapse: append one literal quote, stay quoted.
		m.appendRuneChecked(m.quote)
		m.state = InQuotedField
	case r == m.delimiter:
		m.fixQuotedContent()
		m.finishCurrentField()
	case r == '\n':
		m.fixQuotedContent()
		m.finishCurrentField()
		m.emitRow()
	case r == '\r':
		m.fixQuotedContent()
		m.enterRowEnd()
	default:
		m.fixQuotedContent()
		m.state = FieldEnd
	}
}

func (m *Machine) stepFieldEnd(r rune) {
	switch {
	case r == m.delimiter:
		m.finishCurrentField()
	case r == '\n':
		m.finishCurrentField()
		m.emitRow()
	case r == '\r':
		m.enterRowEnd()
	default:
		// Tolerant of further stray content; stay in FieldEnd, content
		// after the close-quote is discarded.
	}
}

func (m *Machine) stepRowEnd(r rune) {
	if r == '\n' {
		m.appendFinishedField(m.pendingCRField)
		m.pendingCRField = ""
		m.pendingCRSeen = false
		m.emitRow()
		return
	}
	// Orphan CR: it was not a terminator. Reopen accumulation: prepend the
	// literal CR (and whatever content had been provisionally finished)
	// and continue with the current character as ordinary field content.
	m.field.Reset()
	m.field.WriteString(m.pendingCRField)
	m.field.WriteByte('\r')
	m.pendingCRField = ""
	m.pendingCRSeen = false
	m.quoted = false
	m.quoteFixed = false
	m.fieldOverLimit = false
	m.state = InField
	m.appendRuneChecked(r)
}

// enterRowEnd captures the field finished by seeing CR without appending
// it to the row yet — it may turn out to be an orphan CR.
func (m *Machine) enterRowEnd() {
	m.pendingCRField = m.currentFieldValue()
	m.pendingCRSeen = true
	m.field.Reset()
	m.quoted = false
	m.quoteFixed = false
	m.state = RowEnd
}

// fixQuotedContent captures the field's content at the moment the closing
// quote was seen, so that stray trailing characters before the real
// terminator (FieldEnd state) cannot alter it.
func (m *Machine) fixQuotedContent() {
	if !m.quoteFixed {
		m.quoteFixedVal = m.field.String()
		m.quoteFixed = true
	}
}

func (m *Machine) currentFieldValue() string {
	if m.quoted && m.quoteFixed {
		return m.quoteFixedVal
	}
	return m.field.String()
}

// appendRuneChecked enforces MaxFieldSize before appending, per spec §4.C
// "Size enforcement": once the limit is hit, the field is truncated — the
// character is dropped rather than appended — and a FIELD_TOO_LARGE error
// is recorded exactly once per field. The machine keeps consuming the byte
// stream; whether that error aborts the parse is the driver's call, based
// on the configured ParseMode.
func (m *Machine) appendRuneChecked(r rune) {
	if m.field.Len() >= m.maxFieldSize {
		if !m.fieldOverLimit {
			m.fieldOverLimit = true
			m.pendingErrors = append(m.pendingErrors, errs.New(
				errs.CodeFieldTooLarge, m.rowIndex, m.colIndex,
				"field exceeds max_field_size and was truncated",
			))
		}
		return
	}
	m.field.WriteRune(r)
}

// recoverUnbalancedQuote discards the row currently being assembled and
// resets the machine to FieldStart so parsing resumes cleanly with the next
// line, recording exactly one UNBALANCED_QUOTE error for the discarded row.
func (m *Machine) recoverUnbalancedQuote(message string) {
	m.pendingErrors = append(m.pendingErrors, errs.New(
		errs.CodeUnbalancedQuote, m.rowIndex, m.colIndex, message,
	))
	m.row = nil
	m.rowIndex++
	m.colIndex = 0
	m.resetFieldState()
}

// finishCurrentField completes the field-in-progress (applying
// TrimFields) and appends it to the row-in-progress.
func (m *Machine) finishCurrentField() {
	m.appendFinishedField(m.currentFieldValue())
}

func (m *Machine) appendFinishedField(val string) {
	if m.trimFields {
		val = strings.TrimSpace(val)
	}
	m.row = append(m.row, val)
	m.colIndex++
	m.resetFieldState()
}

func (m *Machine) resetFieldState() {
	m.field.Reset()
	m.quoted = false
	m.quoteFixed = false
	m.quoteFixedVal = ""
	m.fieldOverLimit = false
	m.state = FieldStart
}

func (m *Machine) emitRow() {
	row := m.row
	m.row = nil
	m.colIndex = 0
	m.rowIndex++
	if m.emit != nil {
		m.emit(row)
	}
}
