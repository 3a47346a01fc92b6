package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.secretTarget != "" {
			return m.updateSecretInput(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.refresh()
		case "j", "down":
			if m.selectedRow < m.rowCount()-1 {
				m.selectedRow++
				m.logScroll = 0
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
				m.logScroll = 0
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			if m.activeTab != tabLogs {
				m.selectedRow = 0
			}
			m.logScroll = 0
		case "g":
			m.logScroll++
		case "G":
			m.logScroll = 0
		case "enter", "l":
			if m.activeTab == tabRuns && m.selectedRun() != nil {
				m.activeTab = tabLogs
			}
		case "esc":
			if m.activeTab == tabLogs {
				m.activeTab = tabRuns
			}
		case "s":
			if m.activeTab == tabPlatforms && m.selectedRow < len(m.platforms) {
				p := m.platforms[m.selectedRow]
				return m, m.act(fmt.Sprintf("Started %s", p.Name), func() error { return m.ctrl.StartRun(p.ID) })
			}
		case "x":
			if run := m.selectedRun(); run != nil {
				id := run.ID
				return m, m.act("Stopped "+shortID(id), func() error { return m.ctrl.StopRun(id) })
			}
		case "f":
			if run := m.selectedRun(); run != nil {
				id := run.ID
				return m, m.act("Foregrounded "+shortID(id), func() error { return m.ctrl.SetForeground(id) })
			}
		case "p":
			if run := m.selectedRun(); run != nil {
				if _, ok := m.secrets[run.ID]; ok {
					m.secretTarget = run.ID
					m.secretInput = nil
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case actionMsg:
		if msg.err != nil {
			m.setFlash("Error: " + msg.err.Error())
		} else {
			m.setFlash(msg.text)
		}
		m.refresh()
	}

	return m, nil
}

func (m Model) updateSecretInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	id := m.secretTarget
	switch msg.Type {
	case tea.KeyEsc:
		m.secretTarget = ""
		m.secretInput = nil
		return m, m.act("Cancelled password prompt", func() error { return m.ctrl.CancelSecret(id) })
	case tea.KeyEnter:
		secret := string(m.secretInput)
		m.secretTarget = ""
		m.secretInput = nil
		return m, m.act("Password sent", func() error { return m.ctrl.ProvideSecret(id, secret) })
	case tea.KeyBackspace:
		if len(m.secretInput) > 0 {
			m.secretInput = m.secretInput[:len(m.secretInput)-1]
		}
	case tea.KeyRunes, tea.KeySpace:
		m.secretInput = append(m.secretInput, msg.Runes...)
	}
	return m, nil
}

func (m Model) act(ok string, fn func() error) tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	return func() tea.Msg {
		if err := fn(); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: ok}
	}
}

func (m *Model) setFlash(text string) {
	m.flash = text
	m.flashExp = m.now().Add(5 * time.Second)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
