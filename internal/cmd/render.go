package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bountyhub/bountyd/internal/model"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

const defaultWidth = 100

// styles renders task output. Colors are dropped when the writer is not a
// terminal.
type styles struct {
	out    io.Writer
	width  int
	title  lipgloss.Style
	label  lipgloss.Style
	muted  lipgloss.Style
	good   lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	active lipgloss.Style
}

func newStyles(out io.Writer) *styles {
	r := lipgloss.NewRenderer(out)
	return &styles{
		out:    out,
		width:  terminalWidth(out),
		title:  r.NewStyle().Bold(true),
		label:  r.NewStyle().Foreground(lipgloss.Color("8")).Width(14),
		muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		good:   r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("11")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("9")),
		active: r.NewStyle().Foreground(lipgloss.Color("12")),
	}
}

func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
		return w
	}
	return defaultWidth
}

// status colors a status value by how it reads to an operator. Task,
// submission, execution and audit statuses share one vocabulary.
func (s *styles) status(v string) string {
	switch v {
	case "completed", "approved", "passed", "funded", "released":
		return s.good.Render(v)
	case "failed", "rejected", "timeout":
		return s.bad.Render(v)
	case "under_review", "needs_review", "refunded", "cancelled":
		return s.warn.Render(v)
	case "in_progress", "initializing", "running":
		return s.active.Render(v)
	}
	return v
}

func (s *styles) field(name, value string) {
	fmt.Fprintf(s.out, "%s %s\n", s.label.Render(name), value)
}

func (s *styles) heading(text string) {
	fmt.Fprintf(s.out, "\n%s\n", s.title.Render(text))
}

// truncate shortens styled text to the available width.
func (s *styles) truncate(text string, indent int) string {
	limit := s.width - indent
	if limit <= 3 {
		return "..."
	}
	if lipgloss.Width(text) <= limit {
		return text
	}
	return ansi.Truncate(text, limit, "...")
}

func renderTask(s *styles, t *model.Task, subs []*model.Submission, audits []*model.VerificationAudit) {
	fmt.Fprintln(s.out, s.title.Render(t.Title))
	s.field("ID", t.ID)
	s.field("Status", s.status(string(t.Status)))
	s.field("Payment", s.status(string(t.PaymentStatus)))
	s.field("Reward", t.Reward.StringFixed(2)+" "+t.Currency)
	if t.Deadline != nil {
		s.field("Deadline", t.Deadline.Local().Format("2006-01-02 15:04 MST"))
	}
	if t.MaxSubmissions > 0 {
		s.field("Submissions", fmt.Sprintf("%d of %d", len(subs), t.MaxSubmissions))
	}
	if t.NeedsManualResolution {
		s.field("Attention", s.bad.Render("needs manual resolution"))
	}
	if !t.Escrow.PayoutAmount.IsZero() {
		s.field("Payout", fmt.Sprintf("%s to %s (%s)", t.Escrow.PayoutAmount.StringFixed(2), t.Escrow.WinnerSubmissionID, t.Escrow.PayoutRef))
	}
	if t.Escrow.RefundRef != "" {
		s.field("Refund", t.Escrow.RefundRef)
	}

	if len(subs) > 0 {
		s.heading("Submissions")
		for _, sub := range subs {
			line := fmt.Sprintf("  %s  %-12s %3d%%  %s", sub.ID, s.status(string(sub.Status)), sub.Progress, sub.WorkerID)
			fmt.Fprintln(s.out, s.truncate(line, 0))
		}
	}

	if len(audits) > 0 {
		s.heading("Audits")
		for _, a := range audits {
			line := fmt.Sprintf("  %s  %-12s score %5.1f  submission %s", a.ID, s.status(string(a.Status)), a.Score, a.SubmissionID)
			fmt.Fprintln(s.out, s.truncate(line, 0))
		}
	}
}

func renderTimeline(s *styles, entries []model.TimelineEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No timeline entries.")
		return
	}
	for _, e := range entries {
		prefix := fmt.Sprintf("%s  %-8s %-14s ",
			s.muted.Render(e.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			string(e.Kind),
			s.status(e.Status))
		desc := strings.ReplaceAll(e.Description, "\n", " ")
		fmt.Fprintln(s.out, prefix+s.truncate(desc, lipgloss.Width(prefix)))
	}
}
