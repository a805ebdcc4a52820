package tsv_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/formats/tsv"
)

func TestParserForcesTabDelimiter(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.tsv", []byte("name\tage\nAlice\t30\n"), 0o644))

	p := tsv.NewParser(fs, nil, nil)
	stream, err := p.Parse("/in.tsv", nil)
	require.NoError(t, err)

	var rows [][]string
	for {
		row, ok, err := stream.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		rows = append(rows, row.Data)
	}
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"name", "age"}, rows[0])
	assert.Equal(t, []string{"Alice", "30"}, rows[1])
}

func TestDetectTightVarianceScoresHigh(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.tsv", []byte("a\tb\tc\n1\t2\t3\n4\t5\t6\n"), 0o644))

	p := tsv.NewParser(fs, nil, nil)
	detected, err := p.Detect("/in.tsv")
	require.NoError(t, err)
	assert.Equal(t, tabflow.FormatTSV, detected.Format)
	assert.Greater(t, detected.Confidence, 0.5)
}

func TestDetectNonTabDelimitedScoresLow(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.tsv", []byte("a,b,c\n1,2,3\n"), 0o644))

	p := tsv.NewParser(fs, nil, nil)
	detected, err := p.Detect("/in.tsv")
	require.NoError(t, err)
	assert.Less(t, detected.Confidence, 0.5)
}

func TestFormatNameAndExtensions(t *testing.T) {
	p := tsv.NewParser(nil, nil, nil)
	assert.Equal(t, tabflow.FormatTSV, p.FormatName())
	assert.Contains(t, p.SupportedExtensions(), ".tsv")
}
