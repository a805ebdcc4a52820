// Package registry implements the Parser Registry (spec component F): a
// format-tag-to-parser map with extension-indexed and full-scan dispatch,
// confidence/priority ranked detection, and file validation.
package registry

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/errs"
)

// confidenceGap is the band spec §4.F's dispatch algorithm names: within
// this gap, priority breaks the tie; beyond it, confidence wins outright.
const confidenceGap = 0.1

// acceptThreshold is the minimum top-candidate confidence the dispatcher
// accepts before raising UNSUPPORTED_FORMAT.
const acceptThreshold = 0.5

// Factory builds a fresh tabflow.Parser instance for a registration.
type Factory func() tabflow.Parser

// Registration bundles everything the registry needs to dispatch to and
// instantiate a format's parser.
type Registration struct {
	Format     tabflow.Format
	Factory    Factory
	Detector   func(fs afero.Fs, path string) (tabflow.DetectionResult, error)
	Priority   int
	Extensions []string
}

// Candidate is one scored detection result produced during dispatch.
type Candidate struct {
	Registration Registration
	Detection    tabflow.DetectionResult
}

// GetParserResult is what GetParser returns: the instantiated parser, the
// format it was dispatched to, the detection that won, and the winning
// registration.
type GetParserResult struct {
	Parser       tabflow.Parser
	Format       tabflow.Format
	Detection    tabflow.DetectionResult
	Registration Registration
}

// Registry is a process-wide or instance-scoped map from format tag to
// Registration, indexed additionally by file extension for the fast path.
type Registry struct {
	fs afero.Fs

	byFormat map[tabflow.Format]Registration
	byExt    map[string][]tabflow.Format
	order    []tabflow.Format // stable registration order, for full-scan ties
}

// New constructs an empty Registry. fs defaults to the OS filesystem when
// nil — every detector and parser this registry dispatches to is expected
// to open files through it, so tests can substitute afero.NewMemMapFs.
func New(fs afero.Fs) *Registry {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Registry{
		fs:       fs,
		byFormat: make(map[tabflow.Format]Registration),
		byExt:    make(map[string][]tabflow.Format),
	}
}

// Register adds reg to the format map and appends its format to each of
// its extensions' candidate lists. A duplicate format tag overwrites the
// previous registration (its place in the extension lists is preserved).
func (r *Registry) Register(reg Registration) {
	if _, exists := r.byFormat[reg.Format]; !exists {
		r.order = append(r.order, reg.Format)
	}
	r.byFormat[reg.Format] = reg
	for _, ext := range reg.Extensions {
		ext = strings.ToLower(ext)
		if !containsFormat(r.byExt[ext], reg.Format) {
			r.byExt[ext] = append(r.byExt[ext], reg.Format)
		}
	}
}

func containsFormat(list []tabflow.Format, f tabflow.Format) bool {
	for _, existing := range list {
		if existing == f {
			return true
		}
	}
	return false
}

// SupportedFormats returns every registered format tag, in registration
// order.
func (r *Registry) SupportedFormats() []tabflow.Format {
	out := make([]tabflow.Format, len(r.order))
	copy(out, r.order)
	return out
}

// SupportedExtensions returns every extension with at least one
// registration.
func (r *Registry) SupportedExtensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// IsFormatSupported reports whether format has a registration.
func (r *Registry) IsFormatSupported(format tabflow.Format) bool {
	_, ok := r.byFormat[format]
	return ok
}

// GetParserByFormat skips detection entirely and instantiates the parser
// registered for format.
func (r *Registry) GetParserByFormat(format tabflow.Format) (tabflow.Parser, error) {
	reg, ok := r.byFormat[format]
	if !ok {
		return nil, errs.New(errs.CodeUnsupportedFormat, 0, -1,
			fmt.Sprintf("format %q is not registered", format))
	}
	return reg.Factory(), nil
}

// GetParser implements the dispatch algorithm of spec §4.F: if
// options.Format is set, it dispatches directly (step 1); otherwise it
// extracts the extension, narrows to the extension's candidates (falling
// back to a full scan of every registration when the extension is unknown
// or has no candidates), runs every candidate's detector, and ranks by the
// confidence/priority rule before accepting the top candidate.
func (r *Registry) GetParser(path string, options tabflow.ParserOptions) (GetParserResult, error) {
	if options.Format != "" {
		parser, err := r.GetParserByFormat(options.Format)
		if err != nil {
			return GetParserResult{}, err
		}
		return GetParserResult{
			Parser:       parser,
			Format:       options.Format,
			Registration: r.byFormat[options.Format],
		}, nil
	}

	candidates, err := r.detectCandidates(path)
	if err != nil {
		return GetParserResult{}, err
	}
	if len(candidates) == 0 {
		return GetParserResult{}, r.unsupportedFormatError(nil)
	}

	rankCandidates(candidates)
	top := candidates[0]
	if top.Detection.Confidence <= acceptThreshold {
		return GetParserResult{}, r.unsupportedFormatError(candidates)
	}

	return GetParserResult{
		Parser:       top.Registration.Factory(),
		Format:       top.Registration.Format,
		Detection:    top.Detection,
		Registration: top.Registration,
	}, nil
}

// ValidateFile returns the best-matching candidate and the full ranked
// candidate list, without instantiating a parser.
func (r *Registry) ValidateFile(path string) (Candidate, []Candidate, error) {
	candidates, err := r.detectCandidates(path)
	if err != nil {
		return Candidate{}, nil, err
	}
	if len(candidates) == 0 {
		return Candidate{}, nil, nil
	}
	rankCandidates(candidates)
	return candidates[0], candidates, nil
}

// detectCandidates runs the extension-narrowed (or full-scan) candidate
// set's detectors against path and returns their scored results in
// registration order (before ranking).
func (r *Registry) detectCandidates(path string) ([]Candidate, error) {
	formats := r.byExt[strings.ToLower(filepath.Ext(path))]
	if len(formats) == 0 {
		formats = r.order
	}

	var candidates []Candidate
	for _, format := range formats {
		reg, ok := r.byFormat[format]
		if !ok || reg.Detector == nil {
			continue
		}
		detection, err := reg.Detector(r.fs, path)
		if err != nil {
			return nil, errs.Wrap(errs.CodeDetectionProcessError, 0, -1, err)
		}
		candidates = append(candidates, Candidate{Registration: reg, Detection: detection})
	}
	return candidates, nil
}

// rankCandidates sorts by (a) descending confidence when the gap exceeds
// confidenceGap, (b) descending priority when confidences are within the
// gap — spec §4.F step 4. Stable so registration order breaks remaining
// ties.
func rankCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		diff := a.Detection.Confidence - b.Detection.Confidence
		if diff < 0 {
			diff = -diff
		}
		if diff > confidenceGap {
			return a.Detection.Confidence > b.Detection.Confidence
		}
		return a.Registration.Priority > b.Registration.Priority
	})
}

func (r *Registry) unsupportedFormatError(candidates []Candidate) error {
	var msg strings.Builder
	msg.WriteString("no registered format matched with sufficient confidence")
	msg.WriteString("; supported formats: ")
	formats := make([]string, len(r.order))
	for i, f := range r.order {
		formats[i] = string(f)
	}
	msg.WriteString(strings.Join(formats, ", "))

	msg.WriteString("; supported extensions: ")
	msg.WriteString(strings.Join(r.SupportedExtensions(), ", "))

	top := candidates
	if len(top) > 3 {
		top = top[:3]
	}
	if len(top) > 0 {
		msg.WriteString("; top candidates: ")
		parts := make([]string, len(top))
		for i, c := range top {
			parts[i] = fmt.Sprintf("%s=%.2f", c.Registration.Format, c.Detection.Confidence)
		}
		msg.WriteString(strings.Join(parts, ", "))
	}

	return errs.New(errs.CodeUnsupportedFormat, 0, -1, msg.String())
}
