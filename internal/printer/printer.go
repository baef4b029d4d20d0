// Package printer renders the merged log event stream to standard output,
// one annotated line per log line.
package printer

import (
	"fmt"
	"hash/fnv"
	"io"
	"regexp"
	"time"

	"github.com/fatih/color"

	"github.com/control-theory/podtail/internal/k8s"
)

// palette holds the colors used for line prefixes. A prefix's color is a
// deterministic hash of cluster/pod so repeated invocations reuse colors.
var palette = []*color.Color{
	color.New(color.FgRed),
	color.New(color.FgGreen),
	color.New(color.FgBlue),
	color.New(color.FgYellow),
	color.New(color.FgMagenta),
	color.New(color.FgCyan),
	color.New(color.FgWhite),
	color.New(color.FgHiBlack),
	color.New(color.FgHiRed),
	color.New(color.FgHiGreen),
	color.New(color.FgHiBlue),
	color.New(color.FgHiYellow),
	color.New(color.FgHiMagenta),
	color.New(color.FgHiCyan),
}

var dim = color.New(color.Faint)

// ColorIndex maps a string onto a palette slot of size n.
func ColorIndex(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

// Printer consumes the event bus and writes annotated lines. Lines not
// matching the grep pattern are dropped before printing. Gap and StateChange
// events are printed only in verbose mode.
type Printer struct {
	out     io.Writer
	grep    *regexp.Regexp
	verbose bool
}

// New creates a printer. grep may be nil to print every line.
func New(out io.Writer, grep *regexp.Regexp, verbose bool) *Printer {
	return &Printer{out: out, grep: grep, verbose: verbose}
}

// Run consumes events until the bus is closed.
func (p *Printer) Run(events <-chan k8s.LogEvent) {
	for ev := range events {
		p.print(ev)
	}
}

func (p *Printer) print(ev k8s.LogEvent) {
	switch ev.Type {
	case k8s.LogLine:
		if p.grep != nil && !p.grep.MatchString(ev.Line) {
			return
		}
		fmt.Fprintf(p.out, "%s %s\n", p.prefix(ev.Key), ev.Line)
	case k8s.LogGap:
		if p.verbose {
			fmt.Fprintf(p.out, "%s\n", dim.Sprintf("%s gap of %s (%s)", p.prefix(ev.Key), ev.Gap.Round(time.Second), ev.Reason))
		}
	case k8s.LogStateChange:
		if p.verbose {
			fmt.Fprintf(p.out, "%s\n", dim.Sprintf("%s %s", p.prefix(ev.Key), ev.State))
		}
	}
}

func (p *Printer) prefix(key k8s.ContainerKey) string {
	c := palette[ColorIndex(key.Cluster+"/"+key.Pod, len(palette))]
	return c.Sprintf("[%s]", key)
}
