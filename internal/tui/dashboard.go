package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"loadengine/internal/analysis"
	"loadengine/internal/calendar"
	"loadengine/internal/service"
)

// DashboardModel is the dashboard screen model
type DashboardModel struct {
	queryService *service.QueryService
	ownerID      int64
	today        func() calendar.Date
	units        Units
	data         *service.Summary
	loading      bool
	err          error
	width        int
}

// NewDashboardModel creates a new dashboard model
func NewDashboardModel(qs *service.QueryService, ownerID int64, today func() calendar.Date, units Units, width int) DashboardModel {
	return DashboardModel{
		queryService: qs,
		ownerID:      ownerID,
		today:        today,
		units:        units,
		loading:      true,
		width:        width,
	}
}

// Init initializes the dashboard
func (m DashboardModel) Init() tea.Cmd {
	return m.loadData
}

func (m DashboardModel) loadData() tea.Msg {
	data, err := m.queryService.Summary(context.Background(), m.ownerID, m.today())
	if err != nil {
		return dashboardDataMsg{err: err}
	}
	return dashboardDataMsg{data: data}
}

type dashboardDataMsg struct {
	data *service.Summary
	err  error
}

// Update handles messages
func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case dashboardDataMsg:
		m.loading = false
		m.err = msg.err
		m.data = msg.data
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			m.loading = true
			return m, m.loadData
		}
	}
	return m, nil
}

// View renders the dashboard
func (m DashboardModel) View() string {
	if m.loading {
		return "\n  Loading dashboard..."
	}

	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("\n  Error: %v", m.err))
	}

	if m.data == nil || m.data.Latest == nil {
		return "\n  No daily metrics yet. Ingest activities with 'loadengine ingest'."
	}

	var sections []string

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, m.renderRatioCard(), "  ", m.renderLoadCard())
	sections = append(sections, topRow)

	if len(m.data.Recent) > 2 {
		sections = append(sections, m.renderChart())
	}

	sections = append(sections, m.renderStatus())
	sections = append(sections, statusStyle.Render("Press 'r' to refresh, '2' for recalculation jobs"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m DashboardModel) renderRatioCard() string {
	latest := m.data.Latest
	title := cardTitleStyle.Render("Load Ratios  " + latest.Date.String())

	lines := []string{
		RenderMetric("External A:C", analysis.FormatOptional(latest.ExternalRatio)),
		mutedStyle.Render(analysis.RatioDescription(latest.ExternalRatio)),
		"",
		RenderMetric("Internal A:C", analysis.FormatOptional(latest.InternalRatio)),
		mutedStyle.Render(analysis.RatioDescription(latest.InternalRatio)),
		"",
		RenderMetric("Divergence", analysis.FormatOptional(latest.Divergence)),
		mutedStyle.Render(analysis.DivergenceDescription(latest.Divergence)),
	}

	content := lipgloss.JoinVertical(lipgloss.Left, lines...)
	return cardStyle.Width(44).Render(lipgloss.JoinVertical(lipgloss.Left, title, content))
}

func (m DashboardModel) renderLoadCard() string {
	latest := m.data.Latest
	title := cardTitleStyle.Render("Today")

	lines := []string{
		RenderMetric("Equivalent distance", m.units.FormatDistance(latest.ExternalLoad)),
		RenderMetric("Impulse", fmt.Sprintf("%.0f", latest.InternalLoad)),
		mutedStyle.Render(analysis.ImpulseDescription(latest.InternalLoad)),
		"",
		RenderMetric("Acute distance", m.units.FormatOptionalDistance(latest.AcuteExtFlat)),
		RenderMetric("Chronic distance", m.units.FormatOptionalDistance(latest.ChronExtFlat)),
		RenderMetric("Acute impulse", analysis.FormatOptional(latest.AcuteIntFlat)),
		RenderMetric("Chronic impulse", analysis.FormatOptional(latest.ChronIntFlat)),
	}

	content := lipgloss.JoinVertical(lipgloss.Left, lines...)
	return cardStyle.Width(44).Render(lipgloss.JoinVertical(lipgloss.Left, title, content))
}

// chartSeries returns the external and internal ratios of the recent rows with
// undefined days carried at zero
func (m DashboardModel) chartSeries() (external, internal []float64) {
	for _, r := range m.data.Recent {
		external = append(external, valueOrZero(r.ExternalRatio))
		internal = append(internal, valueOrZero(r.InternalRatio))
	}
	return external, internal
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func (m DashboardModel) renderChart() string {
	title := cardTitleStyle.Render(fmt.Sprintf("Acute:Chronic Ratios - last %d days", len(m.data.Recent)))

	width := 60
	if m.width > 20 && m.width-20 < width {
		width = m.width - 20
	}

	external, internal := m.chartSeries()
	graph := asciigraph.PlotMany([][]float64{external, internal},
		asciigraph.Height(10),
		asciigraph.Width(width),
		asciigraph.Precision(2),
		asciigraph.SeriesColors(asciigraph.Green, asciigraph.Red),
	)
	legend := successStyle.Render("── external") + "  " + errorStyle.Render("── internal")

	return cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, graph, legend))
}

func (m DashboardModel) renderStatus() string {
	d := m.data
	lines := []string{
		RenderMetric("Config version", fmt.Sprintf("v%d (algorithm %d, %s ratios)",
			d.Active.Version, d.Active.Params.AlgorithmVersion, d.Active.Params.RatioStrategy)),
		RenderMetric("Activities", fmt.Sprintf("%d", d.ActivityCount)),
	}

	if d.StaleActivities > 0 || d.StaleRows > 0 {
		lines = append(lines, warningStyle.Render(fmt.Sprintf("%d activities and %d daily rows are stale",
			d.StaleActivities, d.StaleRows)))
	}
	if j := d.OpenJob; j != nil {
		lines = append(lines, statusStyleFor(string(j.Status)).Render(fmt.Sprintf(
			"Recalculation to v%d %s, %d batches done", j.TargetVersion, j.Status, j.BatchesDone)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
