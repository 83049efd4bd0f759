package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/schema"
)

// RenderState colors a sync state.
func RenderState(s engine.State) string {
	switch s {
	case engine.StateIdle:
		return RenderPass(string(s))
	case engine.StateDraining:
		return RenderAccent(string(s))
	case engine.StatePaused:
		return RenderFail(string(s))
	default:
		return RenderWarn(string(s))
	}
}

// RenderStatus renders the sync status panel.
func RenderStatus(s engine.Snapshot, now time.Time) string {
	online := RenderWarn("offline")
	if s.Online {
		online = RenderPass("online")
	}
	lastSync := RenderMuted("never")
	if !s.LastSync.IsZero() {
		lastSync = Ago(now.Sub(s.LastSync)) + " ago"
	}

	rows := [][2]string{
		{"State", RenderState(s.State)},
		{"Network", online},
		{"Pending", fmt.Sprintf("%d", s.QueueDepth)},
		{"Failed", renderCount(s.Failed, RenderFail)},
		{"Blocked", renderCount(s.Blocked, RenderWarn)},
		{"Last sync", lastSync},
	}
	if s.LastNotice != nil {
		rows = append(rows, [2]string{"Last notice", RenderNotice(*s.LastNotice)})
	}

	var b strings.Builder
	b.WriteString(RenderAccent("Sync status"))
	for _, r := range rows {
		fmt.Fprintf(&b, "\n%-12s %s", r[0], r[1])
	}
	return RenderBox(b.String())
}

func renderCount(n int, style func(string) string) string {
	if n == 0 {
		return "0"
	}
	return style(fmt.Sprintf("%d", n))
}

// RenderNotice renders a notice on one line.
func RenderNotice(n engine.Notice) string {
	var icon string
	switch n.Kind {
	case engine.NoticeConflict, engine.NoticeMessage:
		icon = RenderAccent("ℹ")
	case engine.NoticeExhausted, engine.NoticePushLost:
		icon = RenderWarn("⚠")
	default:
		icon = RenderFail("✗")
	}
	return fmt.Sprintf("%s %s", icon, n.Message)
}

// RenderOps renders queued ops as a table.
func RenderOps(ops []*schema.MutationOp, now time.Time) string {
	if len(ops) == 0 {
		return RenderMuted("queue is empty")
	}
	blocked := queue.BlockedBy(ops)
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		next := ""
		switch {
		case blocked[op.OpID] != "":
			next = RenderWarn("after " + shortID(blocked[op.OpID]))
		case op.State == schema.OpPending && op.NextAttemptAt.After(now):
			next = "in " + Ago(op.NextAttemptAt.Sub(now))
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", op.Seq),
			shortID(op.OpID),
			op.TargetID,
			op.Label(),
			renderOpState(op.State),
			fmt.Sprintf("%d", op.RetryCount),
			next,
			op.LastError,
		})
	}
	return table([]string{"SEQ", "OP", "RECORD", "ACTION", "STATE", "TRIES", "NEXT", "LAST ERROR"}, rows)
}

// RenderRecords renders records as a table.
func RenderRecords(records []*schema.Record) string {
	if len(records) == 0 {
		return RenderMuted("no records")
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		flag := ""
		if r.IsOptimistic() {
			flag = RenderWarn("pending")
		}
		rows = append(rows, []string{r.ID, fmt.Sprintf("v%d", r.Version), string(r.Status), r.Branch, r.Assignee(), flag})
	}
	return table([]string{"ID", "VERSION", "STATUS", "BRANCH", "ASSIGNEE", ""}, rows)
}

func renderOpState(s schema.OpState) string {
	switch s {
	case schema.OpFailed:
		return RenderFail(string(s))
	case schema.OpInflight:
		return RenderAccent(string(s))
	default:
		return string(s)
	}
}

// table lays out columns padded to the widest cell.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style func(string) string) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			pad := widths[i] - lipgloss.Width(c)
			parts[i] = style(c) + strings.Repeat(" ", pad)
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, "  "), " "))
		b.WriteByte('\n')
	}
	line(header, RenderBold)
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Ago formats a duration coarsely: 45s, 3m, 2h, 4d.
func Ago(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
