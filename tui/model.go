package tui

import (
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/catalog"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/orchestrator"
)

// Controller is what the dashboard reads runs from and acts on
type Controller interface {
	Runs() []*domain.Run
	PendingSecrets() []orchestrator.SecretRequest
	StartRun(platformID string) error
	StopRun(id string) error
	SetForeground(id string) error
	ProvideSecret(id, secret string) error
	CancelSecret(id string) error
}

const (
	tabRuns = iota
	tabPlatforms
	tabLogs
	tabCount
)

// Model is the TUI application model
type Model struct {
	ctrl Controller

	// Data
	runs      []*domain.Run
	platforms []catalog.Platform
	secrets   map[string]orchestrator.SecretRequest

	// Stats
	maxParallel int

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	logScroll   int

	// secret entry for the selected run
	secretInput  []rune
	secretTarget string

	flash    string
	flashExp time.Time

	// Refresh
	lastRefresh time.Time
	now         func() time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Controller  Controller
	Platforms   []catalog.Platform
	MaxParallel int
	// Companies orders the Platforms tab. Unlisted companies go last.
	Companies []string
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	m := Model{
		ctrl:        cfg.Controller,
		platforms:   groupByCompany(cfg.Platforms, cfg.Companies),
		maxParallel: cfg.MaxParallel,
		secrets:     make(map[string]orchestrator.SecretRequest),
		now:         time.Now,
	}
	m.refresh()
	return m
}

// groupByCompany orders platforms company by company, keeping catalog order
// within each company
func groupByCompany(platforms []catalog.Platform, companies []string) []catalog.Platform {
	if len(companies) == 0 {
		return platforms
	}
	rank := make(map[string]int, len(companies))
	for i, c := range companies {
		rank[c] = i
	}
	position := func(company string) int {
		if r, ok := rank[company]; ok {
			return r
		}
		return len(companies)
	}
	out := append([]catalog.Platform(nil), platforms...)
	sort.SliceStable(out, func(i, j int) bool {
		return position(out[i].Company) < position(out[j].Company)
	})
	return out
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// actionMsg reports the result of a controller call
type actionMsg struct {
	text string
	err  error
}

func (m *Model) refresh() {
	if m.ctrl == nil {
		return
	}
	m.runs = m.ctrl.Runs()
	m.secrets = make(map[string]orchestrator.SecretRequest)
	for _, s := range m.ctrl.PendingSecrets() {
		m.secrets[s.RunID] = s
	}
	if m.selectedRow >= m.rowCount() {
		m.selectedRow = max(0, m.rowCount()-1)
	}
	m.lastRefresh = m.now()
}

// rowCount is the number of selectable rows on the active tab
func (m Model) rowCount() int {
	if m.activeTab == tabPlatforms {
		return len(m.platforms)
	}
	return len(m.runs)
}

func (m Model) selectedRun() *domain.Run {
	if m.activeTab == tabPlatforms || m.selectedRow >= len(m.runs) {
		return nil
	}
	return m.runs[m.selectedRow]
}

func (m Model) activeCount() int {
	n := 0
	for _, r := range m.runs {
		if r.Status == domain.RunRunning {
			n++
		}
	}
	return n
}
