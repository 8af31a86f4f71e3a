package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// HelpModel is the help screen model
type HelpModel struct{}

// NewHelpModel creates a new help model
func NewHelpModel() HelpModel {
	return HelpModel{}
}

// Init initializes the help screen
func (m HelpModel) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m HelpModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	return m, nil
}

// View renders the help screen
func (m HelpModel) View() string {
	var sections []string

	title := cardTitleStyle.Render("Keyboard Shortcuts")
	sections = append(sections, title)

	navSection := m.renderSection("Navigation", []keyHelp{
		{"1", "Dashboard"},
		{"2", "Recalculation jobs"},
		{"?", "Help (this screen)"},
		{"q", "Quit"},
		{"esc", "Back / close help"},
	})
	sections = append(sections, navSection)

	dashSection := m.renderSection("Dashboard", []keyHelp{
		{"r", "Refresh data"},
	})
	sections = append(sections, dashSection)

	jobsSection := m.renderSection("Recalculation Jobs", []keyHelp{
		{"j / down", "Select next job"},
		{"k / up", "Select previous job"},
		{"r", "Refresh list"},
	})
	sections = append(sections, jobsSection)

	sections = append(sections, m.renderMetricsHelp())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

type keyHelp struct {
	key  string
	desc string
}

func (m HelpModel) renderSection(title string, keys []keyHelp) string {
	var lines []string

	lines = append(lines, "")
	lines = append(lines, sectionStyle.Render(title))

	for _, k := range keys {
		lines = append(lines, "  "+RenderKeyHelp(k.key, k.desc))
	}

	return strings.Join(lines, "\n")
}

func (m HelpModel) renderMetricsHelp() string {
	var lines []string

	lines = append(lines, "")
	lines = append(lines, sectionStyle.Render("Metrics Explained"))
	lines = append(lines, "")

	metrics := []struct {
		name string
		desc string
	}{
		{"Equivalent distance", "External load. Distance plus climbing credit; rides, swims and paddles scaled to running."},
		{"Impulse", "Internal load. Time weighted exponentially by heart rate reserve."},
		{"Acute / Chronic", "Mean daily load over the last 7 and 28 days (or decayed averages)."},
		{"A:C ratio", "Acute over chronic. Around 0.8-1.3 is steady; above 1.5 is a spike."},
		{"Divergence", "Gap between external and internal ratios. Negative = body working harder than the work explains."},
		{"-", "Not enough history to define the value."},
	}

	for _, metric := range metrics {
		lines = append(lines, "  "+helpKeyStyle.Render(metric.name))
		lines = append(lines, "  "+mutedStyle.Render(metric.desc))
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}
