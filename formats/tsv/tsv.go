// Package tsv is a thin, options-forcing specialisation of the
// delimited-text path (spec §4.E "Tab-delimited text"): it forces the
// delimiter to TAB and layers a dedicated tight-variance detector on top
// of the dialect package's general-purpose one, then delegates everything
// else to delimited.Driver.
package tsv

import (
	"strings"

	"github.com/spf13/afero"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/config"
	"github.com/datakit/tabflow/delimited"
	"github.com/datakit/tabflow/dialect"
	"github.com/datakit/tabflow/errs"
	"github.com/datakit/tabflow/logging"
)

// tightVarianceThreshold is the spec's "< 0.5" tab-count variance bound a
// sample must satisfy, on top of the usual dialect checks, before this
// detector claims TSV.
const tightVarianceThreshold = 0.5

const sampleLineCap = 20

// Parser wraps a delimited.Driver, forcing the TAB delimiter on every
// call regardless of what auto-detection would otherwise infer.
type Parser struct {
	driver *delimited.Driver
	fs     afero.Fs
}

// NewParser constructs a tsv.Parser. fs, cfg, and logger are forwarded to
// the underlying delimited.Driver unchanged; fs defaults to the OS
// filesystem when nil, matching delimited.NewDriver.
func NewParser(fs afero.Fs, cfg config.Provider, logger logging.Logger) *Parser {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Parser{driver: delimited.NewDriver(fs, cfg, logger), fs: fs}
}

// FormatName implements tabflow.Parser.
func (p *Parser) FormatName() tabflow.Format { return tabflow.FormatTSV }

// SupportedExtensions implements tabflow.Parser.
func (p *Parser) SupportedExtensions() []string { return []string{".tsv", ".tab"} }

// Abort implements tabflow.Parser.
func (p *Parser) Abort() { p.driver.Abort() }

// GetStats implements tabflow.Parser.
func (p *Parser) GetStats() tabflow.ParserStats { return p.driver.GetStats() }

// Parse implements tabflow.Parser: forces Delimiter to TAB (and Quote to
// `"` when unset) before delegating to the wrapped driver.
func (p *Parser) Parse(path string, overrides *tabflow.ParserOptions) (tabflow.RowStream, error) {
	opts := tabflow.DefaultParserOptions()
	if overrides != nil {
		opts = *overrides
	}
	opts.Delimiter = '\t'
	if opts.Quote == 0 {
		opts.Quote = '"'
	}
	if opts.Escape == 0 {
		opts.Escape = opts.Quote
	}
	return p.driver.Parse(path, &opts)
}

// Detect runs the tight-variance TSV detector described in spec §4.E: in
// addition to the dialect package's own delimiter-consistency scoring, the
// sample's per-line tab-count variance must be below tightVarianceThreshold.
func (p *Parser) Detect(path string) (tabflow.DetectionResult, error) {
	return detect(p.fs, path)
}

func detect(fs afero.Fs, path string) (tabflow.DetectionResult, error) {
	f, err := fs.Open(path)
	if err != nil {
		return tabflow.DetectionResult{}, errs.Wrap(errs.CodeSampleReadError, 0, -1, err)
	}
	defer f.Close()

	buf := make([]byte, config.DefaultSampleSize)
	n, rerr := f.Read(buf)
	if rerr != nil && n == 0 {
		return tabflow.DetectionResult{Format: tabflow.FormatTSV, Confidence: 0}, nil
	}
	sample := string(buf[:n])

	dlt := dialect.Detect(sample)
	if dlt.Delimiter != '\t' {
		return tabflow.DetectionResult{Format: tabflow.FormatTSV, Confidence: 0.1}, nil
	}

	variance := tabCountVariance(sample)
	confidence := dlt.DelimiterConfidence
	if variance >= tightVarianceThreshold {
		confidence *= 0.5
	}

	return tabflow.DetectionResult{
		Format:     tabflow.FormatTSV,
		Confidence: confidence,
		Metadata: map[string]interface{}{
			"tab_count_variance": variance,
			"has_header":         dlt.HasHeader,
		},
	}, nil
}

func tabCountVariance(sample string) float64 {
	lines := strings.Split(strings.ReplaceAll(sample, "\r\n", "\n"), "\n")
	var counts []int
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		counts = append(counts, strings.Count(l, "\t"))
		if len(counts) >= sampleLineCap {
			break
		}
	}
	if len(counts) == 0 {
		return 0
	}
	var sum int
	for _, c := range counts {
		sum += c
	}
	mean := float64(sum) / float64(len(counts))
	var sq float64
	for _, c := range counts {
		d := float64(c) - mean
		sq += d * d
	}
	return sq / float64(len(counts))
}

// Validate implements tabflow.Parser via the shared confidence threshold.
func (p *Parser) Validate(path string) (tabflow.ValidationResult, error) {
	detected, err := p.Detect(path)
	if err != nil {
		return tabflow.ValidationResult{}, err
	}
	return tabflow.DefaultValidate(detected), nil
}
