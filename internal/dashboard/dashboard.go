// Package dashboard renders scheduler state for the terminal.
package dashboard

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	noteStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	statusStyles = map[types.Status]lipgloss.Style{
		types.StatusUnscheduled: lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC")),
		types.StatusScheduled:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")),
		types.StatusRunning:     lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")),
		types.StatusDone:        lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")),
		types.StatusFailed:      lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
	}
)

// Render draws the jobs, chains and schedule panels side by side.
func Render(ov *scheduler.Overview) string {
	jobs := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Jobs"), jobLines(ov)))
	chains := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Chains"), chainLines(ov)))
	top := lipgloss.JoinHorizontal(lipgloss.Top, jobs, chains)

	sched := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Schedule"), scheduleLines(ov)))
	parts := []string{top, sched}
	if len(ov.Warnings) > 0 {
		var lines []string
		for _, w := range ov.Warnings {
			lines = append(lines, warnStyle.Render("! "+w.Err.Error()))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func jobLines(ov *scheduler.Overview) string {
	var lines []string
	total := 0
	for _, s := range types.Statuses {
		n := ov.Stats[s]
		total += n
		lines = append(lines, fmt.Sprintf("%s %s", labelStyle.Render(fmt.Sprintf("%-12s", s)), statusStyles[s].Render(fmt.Sprint(n))))
	}
	lines = append(lines, fmt.Sprintf("%s %d", labelStyle.Render(fmt.Sprintf("%-12s", "total")), total))
	return strings.Join(lines, "\n")
}

func chainLines(ov *scheduler.Overview) string {
	busy := len(ov.Bindings)
	lines := []string{
		fmt.Sprintf("%s %d", labelStyle.Render(fmt.Sprintf("%-6s", "total")), ov.ChainsTotal),
		fmt.Sprintf("%s %d", labelStyle.Render(fmt.Sprintf("%-6s", "busy")), busy),
		fmt.Sprintf("%s %d", labelStyle.Render(fmt.Sprintf("%-6s", "idle")), max(ov.ChainsTotal-busy, 0)),
	}
	for _, b := range ov.Bindings {
		lines = append(lines, fmt.Sprintf("%4s  SID %s  %s", b.Chain, b.SID, statusStyles[b.Status].Render(string(b.Status))))
	}
	return strings.Join(lines, "\n")
}

func scheduleLines(ov *scheduler.Overview) string {
	if len(ov.Pending) == 0 && len(ov.Invalid) == 0 {
		return noteStyle.Render("No pending entries.")
	}
	var lines []string
	for _, e := range ov.Pending {
		line := fmt.Sprintf("line %-4d from SID %s  %s", e.Line, e.DependsOn, types.FormatParams(e.Params))
		if e.Comment != "" {
			line += "  " + noteStyle.Render(e.Comment)
		}
		lines = append(lines, line)
	}
	for _, bad := range ov.Invalid {
		lines = append(lines, errStyle.Render(fmt.Sprintf("line %-4d %s", bad.Line, bad.Reason)))
	}
	return strings.Join(lines, "\n")
}

// Summary renders a one-operation report.
func Summary(r *scheduler.Report) string {
	head := okStyle.Render(string(r.Op) + " ok")
	if r.Err != nil {
		head = errStyle.Render(string(r.Op) + " failed: " + r.Err.Error())
	}
	lines := []string{head}

	for _, a := range r.Admitted {
		lines = append(lines, fmt.Sprintf("  admitted line %d as SID %s on chain %s (from SID %s)", a.Line, a.SID, a.Chain, a.DependsOn))
	}
	for _, t := range r.Transitions {
		if t.From == types.StatusUnscheduled && t.To == types.StatusScheduled && admittedSID(r, t.SID) {
			continue
		}
		lines = append(lines, fmt.Sprintf("  SID %s %s -> %s", t.SID, statusStyles[t.From].Render(string(t.From)), statusStyles[t.To].Render(string(t.To))))
	}
	for _, f := range r.Failures {
		where := "SID " + f.SID.String()
		if f.Line > 0 {
			where = fmt.Sprintf("line %d", f.Line)
		}
		lines = append(lines, errStyle.Render(fmt.Sprintf("  %s: %v", where, f.Err)))
	}
	for _, w := range r.Warnings {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("  warning: %v", w.Err)))
	}
	if len(lines) == 1 && r.Err == nil {
		lines = append(lines, noteStyle.Render("  nothing to do"))
	}
	return strings.Join(lines, "\n")
}

func admittedSID(r *scheduler.Report, sid types.SID) bool {
	for _, a := range r.Admitted {
		if a.SID == sid {
			return true
		}
	}
	return false
}
