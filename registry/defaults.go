package registry

import (
	"github.com/spf13/afero"

	"github.com/datakit/tabflow"
	"github.com/datakit/tabflow/config"
	"github.com/datakit/tabflow/delimited"
	"github.com/datakit/tabflow/formats/columnar"
	"github.com/datakit/tabflow/formats/jsonrecords"
	"github.com/datakit/tabflow/formats/tsv"
	"github.com/datakit/tabflow/formats/workbook"
	"github.com/datakit/tabflow/logging"
)

// NewDefault builds a Registry with every format this module ships
// registered: delimited text, TSV, JSON/JSON-Lines, workbook, and
// columnar binary. fs, cfg, and logger are shared across every parser
// instance the registrations construct.
func NewDefault(fs afero.Fs, cfg config.Provider, logger logging.Logger) *Registry {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	r := New(fs)

	delimitedParser := delimited.NewDriver(fs, cfg, logger)
	r.Register(Registration{
		Format:     tabflow.FormatDelimited,
		Factory:    func() tabflow.Parser { return delimited.NewDriver(fs, cfg, logger) },
		Detector:   func(_ afero.Fs, path string) (tabflow.DetectionResult, error) { return delimitedParser.Detect(path) },
		Priority:   10,
		Extensions: []string{".csv", ".txt"},
	})

	tsvParser := tsv.NewParser(fs, cfg, logger)
	r.Register(Registration{
		Format:     tabflow.FormatTSV,
		Factory:    func() tabflow.Parser { return tsv.NewParser(fs, cfg, logger) },
		Detector:   func(_ afero.Fs, path string) (tabflow.DetectionResult, error) { return tsvParser.Detect(path) },
		Priority:   20,
		Extensions: []string{".tsv", ".tab"},
	})

	jsonParser := jsonrecords.NewParser(fs, cfg, logger, jsonrecords.Options{})
	r.Register(Registration{
		Format:     tabflow.FormatJSON,
		Factory:    func() tabflow.Parser { return jsonrecords.NewParser(fs, cfg, logger, jsonrecords.Options{}) },
		Detector:   func(_ afero.Fs, path string) (tabflow.DetectionResult, error) { return jsonParser.Detect(path) },
		Priority:   10,
		Extensions: []string{".json", ".jsonl", ".ndjson"},
	})

	workbookParser := workbook.NewParser(fs, cfg, logger)
	r.Register(Registration{
		Format:     tabflow.FormatWorkbook,
		Factory:    func() tabflow.Parser { return workbook.NewParser(fs, cfg, logger) },
		Detector:   func(_ afero.Fs, path string) (tabflow.DetectionResult, error) { return workbookParser.Detect(path) },
		Priority:   10,
		Extensions: []string{".xlsx", ".xls", ".xlsm"},
	})

	columnarParser := columnar.NewParser(fs, cfg, logger)
	r.Register(Registration{
		Format:     tabflow.FormatColumnar,
		Factory:    func() tabflow.Parser { return columnar.NewParser(fs, cfg, logger) },
		Detector:   func(_ afero.Fs, path string) (tabflow.DetectionResult, error) { return columnarParser.Detect(path) },
		Priority:   10,
		Extensions: []string{".parquet"},
	})

	return r
}
