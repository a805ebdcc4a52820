package dialect_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/dialect"
)

func TestDetectTooFewLinesReturnsDefaults(t *testing.T) {
	d := dialect.Detect("just one line")
	assert.Equal(t, ',', d.Delimiter)
	assert.Equal(t, 0.5, d.DelimiterConfidence)
}

func TestDetectCommaCSVWithHeader(t *testing.T) {
	sample := "name,age\nAlice,30\nBob,25\n"
	d := dialect.Detect(sample)
	assert.Equal(t, ',', d.Delimiter)
	assert.GreaterOrEqual(t, d.DelimiterConfidence, 0.85)
	assert.Equal(t, tabflow.LF, d.LineTerminator)
	assert.True(t, d.HasHeader)
	assert.GreaterOrEqual(t, d.HeaderConfidence, 0.7)
}

func TestDetectSemicolonWithQuotedCommas(t *testing.T) {
	sample := "a;b\n\"x,y\";1\n\"z\";\"2\"\n"
	d := dialect.Detect(sample)
	assert.Equal(t, ';', d.Delimiter)
	assert.GreaterOrEqual(t, d.DelimiterConfidence, 0.85)
}

func TestDetectCRLF(t *testing.T) {
	sample := "col1,col2\r\nval1,val2\r\nval3,val4\r\n"
	d := dialect.Detect(sample)
	assert.Equal(t, tabflow.CRLF, d.LineTerminator)
}

func TestDetectTieBreakPrefersEarlierDelimiterInOrder(t *testing.T) {
	// Both ',' and ';' appear exactly once per line (mean=2, variance=0);
	// ',' comes first in the candidate order and must win.
	sample := "a,b;c\nd,e;f\ng,h;i\n"
	d := dialect.Detect(sample)
	assert.Equal(t, ',', d.Delimiter)
}

func TestDetectNoHeaderWhenBothRowsLookNumeric(t *testing.T) {
	sample := "1,2,3\n4,5,6\n7,8,9\n"
	d := dialect.Detect(sample)
	assert.False(t, d.HasHeader)
}
