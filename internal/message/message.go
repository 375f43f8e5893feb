// Package message prints operator-facing console output: run progress, source
// outcomes and risk flag summaries. Diagnostics go through slog instead.
package message

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"

	"github.com/PeculiarLoop/m365-audit-kit/version"
)

// visibility is the least restrictive mode a line is still printed in
type visibility int

const (
	visibleNormal visibility = iota // hidden by --quiet and --silent
	visibleQuiet                    // hidden by --silent only
	visibleAlways
)

type kind struct {
	color   *color.Color
	prefix  string
	visible visibility
}

var (
	infoKind     = kind{color.New(color.FgCyan), "[*] ", visibleNormal}
	successKind  = kind{color.New(color.FgGreen), "[+] ", visibleNormal}
	detailKind   = kind{color.New(color.FgCyan), "    ", visibleQuiet}
	warningKind  = kind{color.New(color.FgYellow), "[!] ", visibleQuiet}
	errorKind    = kind{color.New(color.FgRed), "[-] ", visibleQuiet}
	criticalKind = kind{color.New(color.FgRed, color.Bold), "[!!] ", visibleAlways}

	sectionColor = color.New(color.FgHiBlue, color.Bold)
	bannerColor  = color.New(color.FgHiBlue, color.Bold)

	// risk flag headings, keyed by rule severity
	severityColors = map[string]*color.Color{
		"Critical": color.New(color.FgHiRed, color.Bold),
		"High":     color.New(color.FgRed, color.Bold),
		"Medium":   color.New(color.FgYellow, color.Bold),
		"Low":      color.New(color.FgCyan, color.Bold),
		"Info":     color.New(color.FgWhite, color.Bold),
	}
)

var (
	mutex     sync.RWMutex
	quiet     bool
	silent    bool
	noColor   bool
	outWriter io.Writer = os.Stdout
)

const asciiBanner = `
 m365-audit-kit :: tenant audit & investigation
`

// SetQuiet hides progress lines; warnings and errors still print
func SetQuiet(q bool) {
	mutex.Lock()
	defer mutex.Unlock()
	quiet = q
}

// SetSilent hides everything except critical errors
func SetSilent(s bool) {
	mutex.Lock()
	defer mutex.Unlock()
	silent = s
}

// SetNoColor disables colored output, including the color package globally
func SetNoColor(nc bool) {
	mutex.Lock()
	defer mutex.Unlock()
	noColor = nc
	color.NoColor = nc
}

// SetOutput changes the output writer
func SetOutput(w io.Writer) {
	mutex.Lock()
	defer mutex.Unlock()
	outWriter = w
}

// shown reports whether a line of visibility v prints in the current mode.
// Callers hold mutex.
func shown(v visibility) bool {
	switch {
	case silent:
		return v == visibleAlways
	case quiet:
		return v >= visibleQuiet
	}
	return true
}

// write prints one formatted line; c may be nil for plain output
func write(v visibility, c *color.Color, format string, args ...any) {
	mutex.RLock()
	defer mutex.RUnlock()

	if !shown(v) {
		return
	}
	if noColor || c == nil {
		fmt.Fprint(outWriter, fmt.Sprintf(format, args...))
		return
	}
	c.Fprint(outWriter, fmt.Sprintf(format, args...))
}

func (k kind) print(format string, args ...any) {
	write(k.visible, k.color, "%s%s\n", k.prefix, fmt.Sprintf(format, args...))
}

func Info(format string, args ...any)     { infoKind.print(format, args...) }
func Success(format string, args ...any)  { successKind.print(format, args...) }
func Warning(format string, args ...any)  { warningKind.print(format, args...) }
func Error(format string, args ...any)    { errorKind.print(format, args...) }
func Critical(format string, args ...any) { criticalKind.print(format, args...) }

// Detail prints an indented line under the previous risk heading
func Detail(format string, args ...any) { detailKind.print(format, args...) }

// Section prints a section header
func Section(format string, args ...any) {
	write(visibleNormal, sectionColor, "\n-=[%s]=-\n\n", fmt.Sprintf(format, args...))
}

// RiskHeading prints the heading of a risk flag group, colored by severity.
// Unlike Section it survives --quiet: flags are the result, not progress.
func RiskHeading(severity, format string, args ...any) {
	c, ok := severityColors[severity]
	if !ok {
		c = severityColors["Info"]
	}
	write(visibleQuiet, c, "\n%s\n", fmt.Sprintf(format, args...))
}

// Emphasize returns s in bold unless color is disabled
func Emphasize(s string) string {
	mutex.RLock()
	defer mutex.RUnlock()
	if noColor {
		return s
	}
	return color.New(color.Bold).Sprint(s)
}

// Banner prints the tool banner with the abbreviated version
func Banner() {
	write(visibleNormal, bannerColor, "%s%s\n", asciiBanner, version.AbbreviatedVersion())
}
