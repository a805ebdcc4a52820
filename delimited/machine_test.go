package delimited_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datakit/tabflow/delimited"
	"github.com/datakit/tabflow/errs"
)

func collect(cfg delimited.Config, input string) ([][]string, *delimited.Machine) {
	var rows [][]string
	m := delimited.New(cfg, func(fields []string) {
		rows = append(rows, fields)
	})
	m.Feed(input)
	if residual := m.Finalize(); residual != nil {
		rows = append(rows, residual)
	}
	return rows, m
}

func TestMachineBasicCommaRows(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ','}, "name,age\nAlice,30\nBob,25\n")
	assert.Equal(t, [][]string{
		{"name", "age"},
		{"Alice", "30"},
		{"Bob", "25"},
	}, rows)
}

func TestMachineQuotedFieldWithEmbeddedDelimiter(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ','}, `a,"b,c",d` + "\n")
	assert.Equal(t, [][]string{{"a", "b,c", "d"}}, rows)
}

func TestMachineDoubledQuoteEscaping(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ','}, `"she said ""hi""",ok` + "\n")
	assert.Equal(t, [][]string{{`she said "hi"`, "ok"}}, rows)
}

func TestMachineCRLFLineEndings(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ','}, "a,b\r\nc,d\r\n")
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, rows)
}

func TestMachineLoneCRMidRowIsContentTrailingCRClosesRow(t *testing.T) {
	// The first CR is followed by content, so it is folded into the field;
	// the CR at end of input closes the row.
	rows, _ := collect(delimited.Config{Delimiter: ','}, "a,b\rc,d\r")
	assert.Equal(t, [][]string{{"a", "b\rc", "d"}}, rows)
}

func TestMachineOrphanCRReopensAsContent(t *testing.T) {
	// A CR not followed by LF and not itself a clean row terminator when
	// more field content follows on the "same" row is folded back in as a
	// literal character rather than splitting the row.
	rows, _ := collect(delimited.Config{Delimiter: ','}, "a\rb,c\n")
	assert.Equal(t, [][]string{{"a\rb", "c"}}, rows)
}

func TestMachineFeedAcrossChunkBoundaries(t *testing.T) {
	var rows [][]string
	m := delimited.New(delimited.Config{Delimiter: ','}, func(fields []string) {
		rows = append(rows, fields)
	})
	m.Feed("na")
	m.Feed("me,a")
	m.Feed("ge\nAl")
	m.Feed("ice,30\n")
	if residual := m.Finalize(); residual != nil {
		rows = append(rows, residual)
	}
	assert.Equal(t, [][]string{
		{"name", "age"},
		{"Alice", "30"},
	}, rows)
}

func TestMachineFinalizeFlushesUnterminatedFinalRow(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ','}, "a,b,c")
	assert.Equal(t, [][]string{{"a", "b", "c"}}, rows)
}

func TestMachineFinalizeNoOpWhenNothingPending(t *testing.T) {
	var rows [][]string
	m := delimited.New(delimited.Config{Delimiter: ','}, func(fields []string) {
		rows = append(rows, fields)
	})
	m.Feed("a,b\n")
	assert.Nil(t, m.Finalize())
	assert.Equal(t, [][]string{{"a", "b"}}, rows)
}

func TestMachineTrimFields(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ',', TrimFields: true}, " a , b \n")
	assert.Equal(t, [][]string{{"a", "b"}}, rows)
}

func TestMachineCustomEscapeCharAppendsVerbatim(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ',', Quote: '"', Escape: '\\'}, `"a\"b",c` + "\n")
	assert.Equal(t, [][]string{{`a"b`, "c"}}, rows)
}

func TestMachineFieldTooLargeRecordsErrorAndTruncates(t *testing.T) {
	_, m := collect(delimited.Config{Delimiter: ',', MaxFieldSize: 4}, "abcdefgh,x\n")
	found := m.DrainErrors()
	assert.Len(t, found, 1)
	assert.Equal(t, errs.CodeFieldTooLarge, found[0].Code)
}

func TestMachineFieldTooLargeOnlyRecordsOncePerField(t *testing.T) {
	_, m := collect(delimited.Config{Delimiter: ',', MaxFieldSize: 2}, "abcdefghij,x\n")
	assert.Len(t, m.DrainErrors(), 1)
}

func TestMachineDrainErrorsClearsBuffer(t *testing.T) {
	_, m := collect(delimited.Config{Delimiter: ',', MaxFieldSize: 2}, "abcdef,x\n")
	assert.NotEmpty(t, m.DrainErrors())
	assert.Empty(t, m.DrainErrors())
}

func TestMachineStrayContentAfterClosingQuoteIsDiscarded(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ','}, `"a"stray,b` + "\n")
	assert.Equal(t, [][]string{{"a", "b"}}, rows)
}

func TestMachineEmptyFieldsAndRows(t *testing.T) {
	rows, _ := collect(delimited.Config{Delimiter: ','}, ",,\n\n")
	assert.Equal(t, [][]string{{"", "", ""}, {""}}, rows)
}

func TestMachineRowIndexAdvancesPerEmittedRow(t *testing.T) {
	_, m := collect(delimited.Config{Delimiter: ','}, "a,b\nc,d\n")
	assert.Equal(t, 2, m.RowIndex())
}

func TestMachineUnbalancedQuoteRecoversAtNextLineAndEmitsFollowingRows(t *testing.T) {
	input := "\"unterminated\n" +
		"a,b\n" +
		"c,d\n" +
		"e,f\n" +
		"g,h\n" +
		"i,j\n"
	rows, m := collect(delimited.Config{Delimiter: ','}, input)

	assert.Equal(t, [][]string{
		{"a", "b"}, {"c", "d"}, {"e", "f"}, {"g", "h"}, {"i", "j"},
	}, rows)

	found := m.DrainErrors()
	assert.Len(t, found, 1)
	assert.Equal(t, errs.CodeUnbalancedQuote, found[0].Code)
	assert.Equal(t, 0, found[0].Row)
}

func TestMachineUnclosedQuoteAtEOFRecordsErrorAndDiscardsRow(t *testing.T) {
	rows, m := collect(delimited.Config{Delimiter: ','}, `"never closed`)

	assert.Nil(t, rows)
	found := m.DrainErrors()
	assert.Len(t, found, 1)
	assert.Equal(t, errs.CodeUnbalancedQuote, found[0].Code)
}
