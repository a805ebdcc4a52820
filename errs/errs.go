// Package errs defines the closed error taxonomy the core surfaces and a
// small enrichment helper that attaches remediation suggestions to errors
// of specific codes. Every error that crosses a component boundary is a
// *errs.ParseError wrapping one of the Code constants below.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a short, closed taxonomy of error identifiers surfaced by the
// core. New codes are never added silently; they are part of the contract
// consumers match against.
type Code string

const (
	CodeEmptyFile              Code = "EMPTY_FILE"
	CodeParseFailed            Code = "PARSE_FAILED"
	CodePipelineError          Code = "PIPELINE_ERROR"
	CodeStreamingPipelineError Code = "STREAMING_PIPELINE_ERROR"
	CodeMemoryLimit            Code = "MEMORY_LIMIT"
	CodeSampleReadError        Code = "SAMPLE_READ_ERROR"
	CodeFormatDetectionFailed  Code = "FORMAT_DETECTION_FAILED"
	CodeDetectionProcessError  Code = "DETECTION_PROCESS_ERROR"
	CodeFieldTooLarge          Code = "FIELD_TOO_LARGE"
	CodeInvalidJSON            Code = "INVALID_JSON"
	CodeInvalidJSONL           Code = "INVALID_JSONL"
	CodeUnsupportedFormat      Code = "UNSUPPORTED_FORMAT"
	CodeMetadataLoadFailed     Code = "METADATA_LOAD_FAILED"
	CodeUnbalancedQuote        Code = "UNBALANCED_QUOTE"
	CodeTooManyErrors          Code = "TOO_MANY_ERRORS"
)

// Severity classifies how urgently a consumer should react to an error.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Category groups errors by the subsystem responsible for raising them.
type Category string

const (
	CategoryParsing       Category = "PARSING"
	CategoryValidation    Category = "VALIDATION"
	CategoryIO            Category = "IO"
	CategoryConfiguration Category = "CONFIGURATION"
)

// Suggestion is a remediation hint attached to a surfaced error, produced
// by Enrich for specific codes. Command is optional — not every suggestion
// maps to a runnable CLI invocation.
type Suggestion struct {
	Action      string
	Description string
	Severity    Severity
	Command     string
}

// ParseError is the error type returned across every component boundary.
// Row and Column are zero-based; Column is -1 when the error is not
// attributable to a single field.
type ParseError struct {
	Code        Code
	Row         int
	Column      int
	Message     string
	Category    Category
	Severity    Severity
	Suggestions []Suggestion
	cause       error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Column >= 0 {
		return fmt.Sprintf("%s: row %d, column %d: %s", e.Code, e.Row, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: row %d: %s", e.Code, e.Row, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *ParseError) Unwrap() error {
	return e.cause
}

// New builds a ParseError of the given code, enriched with suggestions and
// a stack-carrying cause via github.com/pkg/errors so the originating
// frame survives propagation through the driver and registry.
func New(code Code, row, column int, message string) *ParseError {
	pe := &ParseError{
		Code:     code,
		Row:      row,
		Column:   column,
		Message:  message,
		Category: categoryFor(code),
		Severity: severityFor(code),
	}
	pe.cause = errors.WithStack(errors.New(message))
	pe.Suggestions = Enrich(code, message)
	return pe
}

// Wrap adapts an arbitrary error into a ParseError of the given code,
// preserving it as the Unwrap() cause.
func Wrap(code Code, row, column int, err error) *ParseError {
	if err == nil {
		return nil
	}
	pe := &ParseError{
		Code:     code,
		Row:      row,
		Column:   column,
		Message:  err.Error(),
		Category: categoryFor(code),
		Severity: severityFor(code),
		cause:    errors.WithStack(err),
	}
	pe.Suggestions = Enrich(code, err.Error())
	return pe
}

func categoryFor(code Code) Category {
	switch code {
	case CodeSampleReadError, CodePipelineError, CodeStreamingPipelineError, CodeMetadataLoadFailed:
		return CategoryIO
	case CodeFormatDetectionFailed, CodeDetectionProcessError, CodeUnsupportedFormat:
		return CategoryValidation
	case CodeEmptyFile, CodeParseFailed, CodeFieldTooLarge, CodeInvalidJSON, CodeInvalidJSONL, CodeMemoryLimit, CodeUnbalancedQuote, CodeTooManyErrors:
		return CategoryParsing
	default:
		return CategoryParsing
	}
}

func severityFor(code Code) Severity {
	switch code {
	case CodeMemoryLimit:
		return SeverityMedium // recoverable: caught and retried in streaming mode
	case CodeEmptyFile, CodeFieldTooLarge:
		return SeverityLow
	case CodeUnsupportedFormat, CodeFormatDetectionFailed, CodeInvalidJSON, CodeInvalidJSONL, CodeUnbalancedQuote:
		return SeverityHigh
	case CodePipelineError, CodeStreamingPipelineError, CodeDetectionProcessError, CodeSampleReadError, CodeMetadataLoadFailed, CodeTooManyErrors:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Enrich produces remediation suggestions for a given code. It never
// fails; an unrecognised code yields an empty slice.
func Enrich(code Code, context string) []Suggestion {
	switch code {
	case CodeUnsupportedFormat:
		return []Suggestion{{
			Action:      "force-format",
			Description: "Set ParserOptions.Format to override detection, or pass --format on the CLI.",
			Severity:    SeverityHigh,
			Command:     "--format <name>",
		}}
	case CodeFormatDetectionFailed:
		return []Suggestion{{
			Action:      "specify-delimiter",
			Description: "Dialect detection was inconclusive; specify the delimiter explicitly.",
			Severity:    SeverityMedium,
			Command:     "--delimiter <char>",
		}}
	case CodeFieldTooLarge:
		return []Suggestion{{
			Action:      "raise-max-field-size",
			Description: "A field exceeded MaxFieldSize; raise the limit or use recovery mode to truncate.",
			Severity:    SeverityLow,
		}}
	case CodeMemoryLimit:
		return []Suggestion{{
			Action:      "use-streaming",
			Description: "In-memory mode exceeded the configured heap watermark; the driver retries in streaming mode automatically.",
			Severity:    SeverityMedium,
		}}
	case CodeInvalidJSON, CodeInvalidJSONL:
		return []Suggestion{{
			Action:      "validate-json",
			Description: "The input did not parse as JSON or JSON-Lines; confirm the file is not truncated or a different format.",
			Severity:    SeverityHigh,
		}}
	case CodeEmptyFile:
		return []Suggestion{{
			Action:      "check-input",
			Description: "The input file is zero bytes; there is nothing to parse.",
			Severity:    SeverityLow,
		}}
	case CodeUnbalancedQuote:
		return []Suggestion{{
			Action:      "check-quoting",
			Description: "A quoted field was never closed; the malformed row was discarded. Check for a stray quote character.",
			Severity:    SeverityHigh,
		}}
	case CodeTooManyErrors:
		return []Suggestion{{
			Action:      "raise-max-errors",
			Description: "The recorded error count exceeded LenientMode.MaxErrors; raise the budget or fix the offending rows.",
			Severity:    SeverityCritical,
		}}
	default:
		return nil
	}
}

// Is reports whether err is a *ParseError carrying the given code.
func Is(err error, code Code) bool {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
