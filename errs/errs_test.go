package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datakit/tabflow/errs"
)

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

func TestNewAttachesSuggestions(t *testing.T) {
	err := errs.New(errs.CodeUnsupportedFormat, 0, -1, "no parser matched")
	require.NotEmpty(t, err.Suggestions)
	assert.Equal(t, errs.CodeUnsupportedFormat, err.Code)
	assert.Equal(t, errs.CategoryValidation, err.Category)
	assert.Contains(t, err.Error(), "UNSUPPORTED_FORMAT")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := &sentinelErr{msg: "boom"}
	err := errs.Wrap(errs.CodePipelineError, 3, -1, cause)
	require.Error(t, err)

	var got *sentinelErr
	require.True(t, errors.As(err, &got), "wrapped cause should be reachable via errors.As")
	assert.Equal(t, "boom", got.msg)
}

func TestIsMatchesCode(t *testing.T) {
	err := errs.New(errs.CodeFieldTooLarge, 1, 2, "field too large")
	assert.True(t, errs.Is(err, errs.CodeFieldTooLarge))
	assert.False(t, errs.Is(err, errs.CodeEmptyFile))
}

func TestSeverityForMemoryLimitIsRecoverable(t *testing.T) {
	err := errs.New(errs.CodeMemoryLimit, 0, -1, "heap watermark exceeded")
	assert.Equal(t, errs.SeverityMedium, err.Severity)
}
