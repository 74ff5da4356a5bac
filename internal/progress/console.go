// Package progress renders engine progress on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-isatty"

	"github.com/openmined/zipbackup/internal/archive"
	"github.com/openmined/zipbackup/internal/backup"
)

// DefaultInterval limits how often the save progress line is redrawn.
const DefaultInterval = 500 * time.Millisecond

type styles struct {
	header lipgloss.Style
	added  lipgloss.Style
	remove lipgloss.Style
	muted  lipgloss.Style
	failed lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header: r.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		added:  r.NewStyle().Foreground(lipgloss.Color("10")),
		remove: r.NewStyle().Foreground(lipgloss.Color("11")),
		muted:  r.NewStyle().Foreground(lipgloss.Color("242")),
		failed: r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// Console is a backup.Reporter writing human-readable progress to out.
// On a terminal, save progress is drawn as one line that is rewritten in
// place; otherwise only summary lines are printed.
type Console struct {
	out         io.Writer
	style       styles
	bar         progress.Model
	clock       clockwork.Clock
	interval    time.Duration
	interactive bool

	lastDraw time.Time
	lineOpen bool
}

type Option func(*Console)

// WithInteractive overrides terminal detection.
func WithInteractive(interactive bool) Option {
	return func(c *Console) { c.interactive = interactive }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Console) { c.clock = clock }
}

func WithInterval(d time.Duration) Option {
	return func(c *Console) { c.interval = d }
}

func NewConsole(out io.Writer, opts ...Option) *Console {
	c := &Console{
		out:         out,
		style:       newStyles(lipgloss.NewRenderer(out)),
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(24)),
		clock:       clockwork.NewRealClock(),
		interval:    DefaultInterval,
		interactive: isTerminal(out),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Console) RootStarted(job *backup.RootJob) {
	c.println(c.style.header.Render("» "+job.Source) + c.style.muted.Render(" → "+job.Destination))
}

func (c *Console) Planned(_ *backup.RootJob, plan *backup.Plan) {
	if plan.Empty() {
		c.println(c.style.muted.Render(fmt.Sprintf("  up to date, %d entries", plan.Kept)))
		return
	}

	var files, dirs int
	for _, e := range plan.Inserts {
		if e.IsDir() {
			dirs++
		} else {
			files++
		}
	}
	parts := []string{
		c.style.added.Render(fmt.Sprintf("+%d files (%s)", files, humanize.IBytes(plan.InsertBytes()))),
		c.style.added.Render(fmt.Sprintf("+%d dirs", dirs)),
		c.style.remove.Render(fmt.Sprintf("-%d removed", len(plan.Deletes))),
		c.style.muted.Render(fmt.Sprintf("=%d kept", plan.Kept)),
	}
	c.println("  " + strings.Join(parts, "  ") + c.style.muted.Render("  → "+plan.Current))
}

func (c *Console) SaveProgress(p archive.SaveProgress) {
	if !c.interactive || p.Total == 0 {
		return
	}
	now := c.clock.Now()
	if !p.Done && c.lineOpen && now.Sub(c.lastDraw) < c.interval {
		return
	}
	c.lastDraw = now

	percent := float64(p.Saved) / float64(p.Total)
	line := fmt.Sprintf("  %s %s %d/%d %s", p.Segment, c.bar.ViewAs(percent), p.Saved, p.Total, c.style.muted.Render(p.Current))
	fmt.Fprint(c.out, "\r\x1b[2K"+line)
	c.lineOpen = true
}

func (c *Console) SegmentSaved(segment string, err error) {
	if err != nil {
		c.println(c.style.failed.Render(fmt.Sprintf("  ✗ %s: %v", segment, err)))
		return
	}
	c.println(c.style.added.Render("  ✓ saved " + segment))
}

func (c *Console) RootFinished(_ *backup.RootJob, res *backup.Result, err error) {
	if err != nil {
		c.println(c.style.failed.Render(fmt.Sprintf("  failed: %v", err)))
		return
	}
	c.println(c.style.muted.Render(fmt.Sprintf("  done in %s", res.Duration.Round(time.Millisecond))))
}

// println ends an open progress line before printing.
func (c *Console) println(s string) {
	if c.lineOpen {
		fmt.Fprint(c.out, "\r\x1b[2K")
		c.lineOpen = false
	}
	fmt.Fprintln(c.out, s)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

var _ backup.Reporter = (*Console)(nil)
