package delimited_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/config"
	"github.com/datakit/tabflow/delimited"
	"github.com/datakit/tabflow/errs"
)

func drainAll(t *testing.T, stream tabflow.RowStream) ([]tabflow.ParsedRow, error) {
	t.Helper()
	var rows []tabflow.ParsedRow
	for {
		row, ok, err := stream.Next()
		if err != nil {
			return rows, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

func TestDriverParseInMemoryCommaCSV(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("name,age\nAlice,30\nBob,25\n"), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"name", "age"}, rows[0].Data)
	assert.Equal(t, []string{"Alice", "30"}, rows[1].Data)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, 2, rows[2].Index)
}

func TestDriverParseAutoDetectsSemicolon(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("a;b\n1;2\n3;4\n"), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	stream, err := d.Parse("/in.csv", nil)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "b"}, rows[0].Data)
}

func TestDriverParseEmptyFileReturnsEmptyFileError(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte{}, 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	stream, err := d.Parse("/in.csv", nil)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	assert.Empty(t, rows)
	require.Error(t, err)
}

func TestDriverParseSkipEmptyLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("a,b\n\nc,d\n"), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	opts.SkipEmptyLines = true
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"a", "b"}, rows[0].Data)
	assert.Equal(t, []string{"c", "d"}, rows[1].Data)
}

func TestDriverParseMaxRowsStopsEarly(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("a,b\nc,d\ne,f\ng,h\n"), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	opts.MaxRows = 2
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rows), 3)

	stats := d.GetStats()
	assert.LessOrEqual(t, stats.RowsProcessed, opts.MaxRows)
	assert.Equal(t, opts.MaxRows, stats.RowsProcessed)
}

func TestDriverDetectReportsDelimiterConfidence(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("name,age\nAlice,30\nBob,25\n"), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	detected, err := d.Detect("/in.csv")
	require.NoError(t, err)
	assert.Equal(t, tabflow.FormatDelimited, detected.Format)
	assert.Greater(t, detected.Confidence, 0.5)
}

func TestDriverValidateUsesDefaultThresholds(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("name,age\nAlice,30\nBob,25\n"), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	result, err := d.Validate("/in.csv")
	require.NoError(t, err)
	assert.True(t, result.CanProceed)
}

func TestDriverAbortStopsBeforeAllRowsDelivered(t *testing.T) {
	fs := afero.NewMemMapFs()
	var content string
	for i := 0; i < 5000; i++ {
		content += "a,b\n"
	}
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte(content), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)

	row, ok, err := stream.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, row.Data)

	stream.Abort()
	stream.Abort() // idempotent
}

func TestDriverFormatNameAndExtensions(t *testing.T) {
	d := delimited.NewDriver(nil, nil, nil)
	assert.Equal(t, tabflow.FormatDelimited, d.FormatName())
	assert.Contains(t, d.SupportedExtensions(), ".csv")
}

func TestDriverGetStatsTracksBytesAndRows(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("a,b\nc,d\n"), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)
	_, err = drainAll(t, stream)
	require.NoError(t, err)

	stats := d.GetStats()
	assert.Equal(t, 2, stats.RowsProcessed)
	assert.Greater(t, stats.BytesProcessed, int64(0))
}

func TestDriverParseUnbalancedQuoteRecoversAtNextLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "\"unterminated\nr1c1,r1c2\nr2c1,r2c2\nr3c1,r3c2\nr4c1,r4c2\nr5c1,r5c2\n"
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte(content), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	opts.Mode = tabflow.Lenient(10)
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"r1c1", "r1c2"}, rows[0].Data)
	assert.Equal(t, []string{"r5c1", "r5c2"}, rows[4].Data)

	stats := d.GetStats()
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, string(errs.CodeUnbalancedQuote), stats.Errors[0].Code)
}

func TestDriverParseLenientModeAbortsAfterMaxErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "\"bad1\n\"bad2\n\"bad3\nok1,ok2\n"
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte(content), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	opts.Mode = tabflow.Lenient(2)
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeTooManyErrors))
	assert.Empty(t, rows)
}

func TestDriverParseRecoveryModeSubstitutesOversizedField(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "ok,aaaaaaaaaaaaaaaaaaaa\n"
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte(content), 0o644))

	d := delimited.NewDriver(fs, nil, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	opts.MaxFieldSize = 10
	opts.Mode = tabflow.Recovery(map[string]tabflow.RecoveryStrategy{
		string(errs.CodeFieldTooLarge): tabflow.RecoverySubstituteValue,
	})
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "<invalid>", rows[0].Data[1])
}

func TestDriverWithStaticProviderOverridesChunkSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.csv", []byte("a,b\nc,d\n"), 0o644))

	cfg := config.NewStaticProvider()
	cfg.Performance.ChunkSize = 4 // force many tiny reads across the boundary logic
	d := delimited.NewDriver(fs, cfg, nil)
	opts := tabflow.DefaultParserOptions()
	opts.AutoDetect = false
	stream, err := d.Parse("/in.csv", &opts)
	require.NoError(t, err)

	rows, err := drainAll(t, stream)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"a", "b"}, rows[0].Data)
	assert.Equal(t, []string{"c", "d"}, rows[1].Data)
}
