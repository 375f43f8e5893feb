package outputters

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/utils"
)

// Format is a report file format
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// AllFormats lists every supported format in export order
var AllFormats = []Format{FormatJSON, FormatCSV, FormatMarkdown, FormatHTML}

// ParseFormats accepts format names case-insensitively ("markdown" for md, "all" for every format)
// and drops duplicates.
func ParseFormats(names []string) ([]Format, error) {
	seen := make(map[Format]bool)
	var out []Format
	add := func(f Format) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "json":
			add(FormatJSON)
		case "csv":
			add(FormatCSV)
		case "md", "markdown":
			add(FormatMarkdown)
		case "html", "htm":
			add(FormatHTML)
		case "all":
			for _, f := range AllFormats {
				add(f)
			}
		case "":
		default:
			return nil, fmt.Errorf("unsupported format %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no output format selected")
	}
	return out, nil
}

// Renderer turns a report into the bytes of one file format
type Renderer interface {
	Render(report *types.AuditReport) ([]byte, error)
}

var renderers = map[Format]Renderer{
	FormatJSON:     jsonRenderer{},
	FormatCSV:      csvRenderer{},
	FormatMarkdown: markdownRenderer{},
	FormatHTML:     htmlRenderer{},
}

// Exporter writes reports to disk. It remembers which report claimed which file
// name so that distinct reports never overwrite each other within a process.
type Exporter struct {
	logger *slog.Logger

	mu     sync.Mutex
	claims map[string][]string // name stem -> report ids in claim order
}

func NewExporter(logger *slog.Logger) *Exporter {
	return &Exporter{logger: logs.OrDefault(logger), claims: make(map[string][]string)}
}

var defaultExporter = NewExporter(nil)

// Export writes report with the process-wide exporter
func Export(report *types.AuditReport, formats []Format, destination string) ([]string, error) {
	return defaultExporter.Export(report, formats, destination)
}

// Export renders and writes every format. A failed format does not stop the others;
// failures are returned together as *types.WriteError values.
func (e *Exporter) Export(report *types.AuditReport, formats []Format, destination string) ([]string, error) {
	if report == nil {
		return nil, fmt.Errorf("no report to export")
	}
	if destination == "" {
		destination = utils.DefaultOutputDirectory
	}
	if err := utils.EnsureDirectoryExists(destination); err != nil {
		var errs *multierror.Error
		for _, f := range formats {
			errs = multierror.Append(errs, &types.WriteError{Format: string(f), Path: destination, Err: err})
		}
		return nil, errs.ErrorOrNil()
	}

	stem := e.FileStem(report)
	var (
		paths []string
		errs  *multierror.Error
	)
	for _, f := range formats {
		path := filepath.Join(destination, stem+"."+string(f))

		r, ok := renderers[f]
		if !ok {
			errs = multierror.Append(errs, &types.WriteError{Format: string(f), Path: path, Err: fmt.Errorf("unsupported format")})
			continue
		}
		data, err := r.Render(report)
		if err != nil {
			errs = multierror.Append(errs, &types.WriteError{Format: string(f), Path: path, Err: err})
			continue
		}
		if err := utils.WriteFileAtomic(path, data); err != nil {
			errs = multierror.Append(errs, &types.WriteError{Format: string(f), Path: path, Err: err})
			continue
		}
		e.logger.Debug("report written", "format", f, "path", path, "bytes", len(data))
		paths = append(paths, path)
	}
	return paths, errs.ErrorOrNil()
}

// FileStem returns "<ReportName>_<yyyyMMddTHHmmssZ>" for the report, with a "_N" suffix when
// a different report already claimed that name. The same report always gets the same stem.
func (e *Exporter) FileStem(report *types.AuditReport) string {
	base := fmt.Sprintf("%s_%s", report.Name(), report.GeneratedAt.UTC().Format("20060102T150405Z"))

	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.claims[base]
	n := -1
	for i, id := range ids {
		if id == report.ID {
			n = i
			break
		}
	}
	if n < 0 {
		n = len(ids)
		e.claims[base] = append(ids, report.ID)
	}
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}
