package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
)

const defaultWidth = 100

// statusView is what `matchops status` reports.
type statusView struct {
	models.StatusSnapshot
	Engine  sync.State        `json:"engine"`
	Queue   models.QueueStats `json:"queue"`
	Remote  string            `json:"remote"`
	DataDir string            `json:"data_dir"`
}

// terminalWidth returns the width of w when it is a terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

// styles binds lipgloss styles to one output. A renderer on a non-terminal
// writer has no color profile, so piped and test output is plain text.
type styles struct {
	label   lipgloss.Style
	value   lipgloss.Style
	heading lipgloss.Style
	state   map[models.SyncState]lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		label:   r.NewStyle().Width(12).Foreground(lipgloss.Color("8")),
		value:   r.NewStyle(),
		heading: r.NewStyle().Bold(true).Underline(true),
		state: map[models.SyncState]lipgloss.Style{
			models.SyncStateSynced:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
			models.SyncStateSyncing: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
			models.SyncStatePending: r.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
			models.SyncStateError:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
			models.SyncStateOffline: r.NewStyle().Bold(true).Foreground(lipgloss.Color("8")),
		},
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func renderStatus(w io.Writer, v statusView) error {
	s := newStyles(w)
	online := "no"
	if v.IsOnline {
		online = "yes"
	}
	remote := v.Remote
	if remote == "" {
		remote = "none (local only)"
	}

	rows := [][2]string{
		{"State", s.state[v.State].Render(string(v.State))},
		{"Online", online},
		{"Engine", string(v.Engine)},
		{"Pending", strconv.Itoa(v.Queue.Pending)},
		{"In flight", strconv.Itoa(v.Queue.InFlight)},
		{"Failed", strconv.Itoa(v.Queue.Failed)},
		{"Last sync", formatMillis(v.LastSyncedAt)},
		{"Remote", remote},
		{"Data dir", v.DataDir},
	}

	var b strings.Builder
	b.WriteString(s.heading.Render("Sync status"))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, s.label.Render(row[0]), s.value.Render(row[1])))
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// truncate shortens s to n runes, marking the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 {
		return ""
	}
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderQueue writes one row per operation. The error column takes the
// width left over on the terminal.
func renderQueue(w io.Writer, ops []*models.SyncOperation, width int) error {
	if len(ops) == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}

	s := newStyles(w)
	const layout = "%-8s  %-15s  %-20s  %-6s  %-9s  %-8s  %s"
	fixed := 8 + 15 + 20 + 6 + 9 + 8 + 6*2
	errWidth := width - fixed
	if errWidth < 10 {
		errWidth = 10
	}

	var b strings.Builder
	b.WriteString(s.heading.Render(fmt.Sprintf(layout, "ID", "TYPE", "ENTITY", "KIND", "STATUS", "ATTEMPTS", "LAST ERROR")))
	b.WriteString("\n")
	for _, op := range ops {
		fmt.Fprintf(&b, layout+"\n",
			shortID(op.ID),
			op.EntityType,
			truncate(op.EntityID, 20),
			op.Kind,
			op.Status,
			fmt.Sprintf("%d/%d", op.AttemptCount, op.MaxAttempts),
			truncate(op.LastError, errWidth),
		)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderStats(w io.Writer, stats models.QueueStats) error {
	_, err := fmt.Fprintf(w, "pending %d  in_flight %d  failed %d  total %d\n",
		stats.Pending, stats.InFlight, stats.Failed, stats.Total())
	return err
}

func renderConflicts(w io.Writer, logs []*models.ConflictLog) error {
	if len(logs) == 0 {
		_, err := fmt.Fprintln(w, "no conflicts recorded")
		return err
	}
	for _, c := range logs {
		if _, err := fmt.Fprintf(w, "%s  %s/%s  %s (local %s, remote %s)\n",
			formatMillis(c.DetectedAt), c.EntityType, c.EntityID, c.Resolution,
			formatMillis(c.LocalTimestamp), formatMillis(c.RemoteTimestamp)); err != nil {
			return err
		}
	}
	return nil
}

func renderPass(w io.Writer, r *sync.PassResult) error {
	if r.Skipped != "" {
		_, err := fmt.Fprintf(w, "pass skipped: %s\n", r.Skipped)
		return err
	}
	_, err := fmt.Fprintf(w, "batches %d  delivered %d  conflicts %d (remote won %d)  transient %d  permanent %d  in %s\n",
		r.Batches, r.Delivered, r.Conflicts, r.RemoteWins, r.Transient, r.Permanent, r.Duration.Round(time.Millisecond))
	return err
}
