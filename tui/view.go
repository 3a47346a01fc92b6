package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("237"))

	companyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	parallel := "∞"
	if m.maxParallel > 0 {
		parallel = fmt.Sprint(m.maxParallel)
	}
	header := fmt.Sprintf(" Surfer │ Running: %d/%s │ Runs: %d │ Waiting for password: %d ",
		m.activeCount(), parallel, len(m.runs), len(m.secrets))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabRuns:
		section = m.renderRuns()
	case tabPlatforms:
		section = m.renderPlatforms()
	case tabLogs:
		section = m.renderLogs()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.secretTarget != "" {
		prompt := fmt.Sprintf(" Password for %s: %s ", shortID(m.secretTarget), strings.Repeat("*", len(m.secretInput)))
		b.WriteString(warningStyle.Width(m.width).Render(prompt))
		b.WriteString("\n")
	}

	if m.flash != "" && m.now().Before(m.flashExp) {
		style := completedStyle
		if strings.HasPrefix(m.flash, "Error") {
			style = warningStyle
		}
		b.WriteString(style.Width(m.width).Render(" " + m.flash + " "))
		b.WriteString("\n")
	}

	var statusBar string
	switch {
	case m.secretTarget != "":
		statusBar = " [enter]send [esc]cancel "
	case m.activeTab == tabPlatforms:
		statusBar = " [tab]switch [j/k]navigate [s]tart export [q]uit "
	case m.activeTab == tabLogs:
		statusBar = " [j/k]run [g]older [G]latest [x]stop [f]oreground [p]assword [esc]back [q]uit "
	default:
		statusBar = " [tab]switch [j/k]navigate [enter]logs [x]stop [f]oreground [p]assword [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Runs", "Platforms", "Logs"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if len(m.runs) == 0 {
		b.WriteString(queuedStyle.Render("  No runs yet. Start an export from the Platforms tab."))
		return b.String()
	}

	for i, run := range m.runs {
		line := m.formatRunLine(run)
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) formatRunLine(run *domain.Run) string {
	icon, style := statusIcon(run.Status)
	detail := lastLine(run)
	if _, waiting := m.secrets[run.ID]; waiting {
		detail = "waiting for password"
		style = warningStyle
	} else if run.Status == domain.RunRunning && run.LastLog() == "Sign in required" {
		detail = "sign in required"
		style = warningStyle
	}

	size := ""
	if run.ExportSize > 0 {
		size = humanize.Bytes(uint64(run.ExportSize))
	}
	line := fmt.Sprintf("  %s %-8s %-10s %-12s %6s %8s  %s",
		icon, shortID(run.ID), truncate(run.Company, 10), truncate(run.ProductName, 12),
		formatDuration(run.Duration()), size, truncate(detail, 40))
	return style.Render(line)
}

func statusIcon(s domain.RunStatus) (string, lipgloss.Style) {
	switch s {
	case domain.RunRunning:
		return "●", runningStyle
	case domain.RunSuccess:
		return "✓", completedStyle
	case domain.RunError:
		return "✗", errorStyle
	case domain.RunStopped:
		return "■", dimmedStyle
	default:
		return "○", queuedStyle
	}
}

func lastLine(run *domain.Run) string {
	return strings.TrimPrefix(run.LastLog(), "Error: ")
}

func (m Model) renderPlatforms() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("PLATFORMS"))
	b.WriteString("\n")

	if len(m.platforms) == 0 {
		b.WriteString(queuedStyle.Render("  No platforms in the catalog"))
		return b.String()
	}

	lastCompany := ""
	for i, p := range m.platforms {
		if p.Company != lastCompany {
			b.WriteString(companyStyle.Render("  " + p.Company))
			b.WriteString("\n")
			lastCompany = p.Company
		}
		line := fmt.Sprintf("    %-14s %-12s %s", p.ID, truncate(p.Name, 12), truncate(p.Description, 50))
		if last := m.lastRun(p.ID); last != nil {
			line += dimmedStyle.Render(fmt.Sprintf("  (%s %s)", last.Status, humanize.Time(last.StartDate)))
		}
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) lastRun(platformID string) *domain.Run {
	var latest *domain.Run
	for _, r := range m.runs {
		if r.PlatformID == platformID && (latest == nil || r.StartDate.After(latest.StartDate)) {
			latest = r
		}
	}
	return latest
}

func (m Model) renderLogs() string {
	var b strings.Builder
	run := m.selectedRun()
	if run == nil {
		b.WriteString(titleStyle.Render("LOGS"))
		b.WriteString("\n")
		b.WriteString(queuedStyle.Render("  Select a run on the Runs tab"))
		return b.String()
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("LOGS %s/%s", run.Company, run.ProductName)))
	b.WriteString("\n")
	icon, style := statusIcon(run.Status)
	b.WriteString(style.Render(fmt.Sprintf("  %s %s  started %s", icon, run.Status, humanize.Time(run.StartDate))))
	b.WriteString("\n")
	if run.URL != "" {
		b.WriteString(dimmedStyle.Render("  " + truncate(run.URL, m.width-8)))
		b.WriteString("\n")
	}
	if run.ExportPath != "" {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %s (%s)", run.ExportPath, humanize.Bytes(uint64(run.ExportSize)))))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, line := range visibleLogs(run.Logs, m.logHeight(), m.logScroll) {
		if strings.HasPrefix(line, "Error: ") {
			b.WriteString(errorStyle.Render("  " + truncate(line, m.width-8)))
		} else {
			b.WriteString("  " + truncate(line, m.width-8))
		}
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) logHeight() int {
	h := m.height - 14
	if h < 5 {
		h = 5
	}
	return h
}

// visibleLogs returns the window of logs ending scroll lines before the newest
func visibleLogs(logs []string, height, scroll int) []string {
	end := len(logs) - scroll
	if end < 0 {
		end = 0
	}
	start := end - height
	if start < 0 {
		start = 0
	}
	return logs[start:end]
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
