package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loadengine/internal/calendar"
	"loadengine/internal/service"
)

// Screen identifiers
type Screen int

const (
	ScreenDashboard Screen = iota
	ScreenJobs
	ScreenHelp
)

// App is the root Bubble Tea model
type App struct {
	screen     Screen
	prevScreen Screen

	// Screen models
	dashboard DashboardModel
	jobs      JobsModel
	help      HelpModel

	queryService *service.QueryService
	ownerID      int64
	today        func() calendar.Date
	units        Units

	// Window dimensions
	width  int
	height int
}

// NewApp creates a new App showing one owner's data
func NewApp(queryService *service.QueryService, ownerID int64, today func() calendar.Date, units Units) *App {
	return &App{
		screen:       ScreenDashboard,
		queryService: queryService,
		ownerID:      ownerID,
		today:        today,
		units:        units,
		dashboard:    NewDashboardModel(queryService, ownerID, today, units, 0),
		jobs:         NewJobsModel(queryService, ownerID),
		help:         NewHelpModel(),
	}
}

// Init initializes the app
func (a *App) Init() tea.Cmd {
	return a.dashboard.Init()
}

// Update handles messages
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "1":
			a.screen = ScreenDashboard
			a.dashboard = NewDashboardModel(a.queryService, a.ownerID, a.today, a.units, a.width)
			return a, a.dashboard.Init()
		case "2":
			a.screen = ScreenJobs
			return a, a.jobs.Init()
		case "?":
			a.prevScreen = a.screen
			a.screen = ScreenHelp
			return a, nil
		case "esc":
			if a.screen == ScreenHelp {
				a.screen = a.prevScreen
				return a, nil
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
	}

	// Delegate to current screen
	var cmd tea.Cmd
	switch a.screen {
	case ScreenDashboard:
		var m tea.Model
		m, cmd = a.dashboard.Update(msg)
		a.dashboard = m.(DashboardModel)
	case ScreenJobs:
		var m tea.Model
		m, cmd = a.jobs.Update(msg)
		a.jobs = m.(JobsModel)
	case ScreenHelp:
		var m tea.Model
		m, cmd = a.help.Update(msg)
		a.help = m.(HelpModel)
	}

	return a, cmd
}

// View renders the app
func (a *App) View() string {
	var content string
	switch a.screen {
	case ScreenDashboard:
		content = a.dashboard.View()
	case ScreenJobs:
		content = a.jobs.View()
	case ScreenHelp:
		content = a.help.View()
	}

	return lipgloss.JoinVertical(lipgloss.Left, a.renderHeader(), a.renderNav(), content)
}

func (a *App) renderHeader() string {
	return headerStyle.Render(fmt.Sprintf("Training Load  owner %d", a.ownerID))
}

func (a *App) renderNav() string {
	items := []struct {
		key    string
		label  string
		screen Screen
	}{
		{"1", "Dashboard", ScreenDashboard},
		{"2", "Jobs", ScreenJobs},
		{"?", "Help", ScreenHelp},
	}

	var nav string
	for i, item := range items {
		if i > 0 {
			nav += "  "
		}

		label := "[" + item.key + "] " + item.label
		if a.screen == item.screen {
			nav += navActiveStyle.Render(label)
		} else {
			nav += navInactiveStyle.Render(label)
		}
	}

	nav += "  " + navInactiveStyle.Render("[q] Quit")

	return navStyle.Render(nav)
}
