package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"loadengine/internal/calendar"
	"loadengine/internal/service"
)

// JobsModel lists an owner's recalculation jobs
type JobsModel struct {
	queryService *service.QueryService
	ownerID      int64
	reports      []service.JobReport
	cursor       int
	loading      bool
	err          error
	now          func() time.Time
}

// NewJobsModel creates a new jobs model
func NewJobsModel(qs *service.QueryService, ownerID int64) JobsModel {
	return JobsModel{
		queryService: qs,
		ownerID:      ownerID,
		loading:      true,
		now:          time.Now,
	}
}

// Init initializes the jobs screen
func (m JobsModel) Init() tea.Cmd {
	return m.load
}

type jobsLoadedMsg struct {
	reports []service.JobReport
	err     error
}

func (m JobsModel) load() tea.Msg {
	reports, err := m.queryService.Jobs(context.Background(), m.ownerID)
	return jobsLoadedMsg{reports: reports, err: err}
}

// Update handles messages
func (m JobsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case jobsLoadedMsg:
		m.loading = false
		m.err = msg.err
		m.reports = msg.reports
		if m.cursor >= len(m.reports) {
			m.cursor = 0
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.reports)-1 {
				m.cursor++
			}
		case "r":
			m.loading = true
			return m, m.load
		}
	}
	return m, nil
}

// View renders the jobs screen
func (m JobsModel) View() string {
	if m.loading {
		return "\n  Loading recalculation jobs..."
	}
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("\n  Error: %v", m.err))
	}
	if len(m.reports) == 0 {
		return "\n  No recalculation jobs. Change the configuration with 'loadengine config set'."
	}

	header := tableHeaderStyle.Render(fmt.Sprintf("%-8s  %-11s  %7s  %-10s  %7s  %-16s",
		"Job", "Status", "Version", "As of", "Batches", "Created"))

	rows := []string{header}
	for i, rep := range m.reports {
		j := rep.Job
		line := fmt.Sprintf("%-8s  %-11s  %7s  %-10s  %7d  %-16s",
			shortID(j.ID),
			j.Status,
			fmt.Sprintf("v%d", j.TargetVersion),
			j.AsOf.String(),
			j.BatchesDone,
			humanize.RelTime(j.CreatedAt, m.now(), "ago", "from now"),
		)
		if i == m.cursor {
			rows = append(rows, tableSelectedStyle.Render(line))
		} else {
			rows = append(rows, tableRowStyle.Render(statusStyleFor(string(j.Status)).Render(line)))
		}
	}

	table := cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		cardTitleStyle.Render("Recalculation Jobs"),
		lipgloss.JoinVertical(lipgloss.Left, rows...),
	))

	return lipgloss.JoinVertical(lipgloss.Left, table, m.renderDetail(m.reports[m.cursor]),
		statusStyle.Render("j/k to select, 'r' to refresh"))
}

func (m JobsModel) renderDetail(rep service.JobReport) string {
	j := rep.Job
	lines := []string{
		RenderMetric("Job", j.ID),
		RenderMetric("Versions", fmt.Sprintf("v%d -> v%d", j.PreviousVersion, j.TargetVersion)),
	}

	if months := monthsThrough(rep); months > 0 {
		lines = append(lines, RenderMetric("Progress",
			RenderProgressBar(float64(j.BatchesDone)/float64(months), 30)+
				fmt.Sprintf(" %d/%d", j.BatchesDone, months)))
	}
	if !j.Cursor.IsZero() {
		lines = append(lines, RenderMetric("Processed through", j.Cursor.String()))
	}
	if j.StartedAt != nil {
		lines = append(lines, RenderMetric("Started", humanize.RelTime(*j.StartedAt, m.now(), "ago", "from now")))
	}
	if j.FinishedAt != nil {
		lines = append(lines, RenderMetric("Finished", humanize.RelTime(*j.FinishedAt, m.now(), "ago", "from now")))
	}
	lines = append(lines, RenderMetric("Staged rows", humanize.Comma(int64(rep.StagedRows))))
	if j.Error != "" {
		lines = append(lines, errorStyle.Render(j.Error))
	}

	return cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// monthsThrough estimates the job's total batches from its first checkpoint
func monthsThrough(rep service.JobReport) int {
	if len(rep.Checkpoints) == 0 {
		return 0
	}
	return len(calendar.MonthlyBatches(rep.Checkpoints[0].BatchStart, rep.Job.AsOf))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
