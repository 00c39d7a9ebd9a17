// ABOUTME: Bubbletea model for the presentation timing TUI
// ABOUTME: Tracks completions, onset jitter, and verdicts for one window
package ui

import (
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Flipstamp/flipstamp-go/pkg/flipstamp"
	"github.com/Flipstamp/flipstamp-go/pkg/reliability"
	"github.com/Flipstamp/flipstamp-go/pkg/swap"
)

// Model represents the TUI state
type Model struct {
	// Window
	backend string
	session string
	refresh float64
	vsync   bool
	paused  bool

	// Latest completion
	lastSeq     uint64
	lastOnset   float64
	lastFrame   uint64
	lastFlags   swap.QualityFlags
	lastSource  flipstamp.Source
	lastVerdict reliability.Verdict

	// Stats
	presented int64
	discarded int64
	rejected  int64
	skipped   int64
	jitter    float64
	maxJitter float64
	tracker   swap.TrackerStats

	// Debug
	showDebug bool

	// Dimensions
	width  int
	height int

	controls *Controls
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case CompletionMsg:
		m.applyCompletion(flipstamp.Completion(msg))
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderLast()
	s += m.renderStats()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// renderHeader renders backend and refresh state
func (m Model) renderHeader() string {
	backend := "No window"
	if m.backend != "" {
		backend = fmt.Sprintf("%s @ %.2f Hz", m.backend, hz(m.refresh))
	}

	vsyncIcon := "✗"
	if m.vsync {
		vsyncIcon = "✓"
	}
	state := "running"
	if m.paused {
		state = "paused"
	}

	return fmt.Sprintf(`┌─ Flipstamp ──────────────────────────────────────────┐
│ Backend: %-44s │
│ Vsync:   %s %-42s │
├──────────────────────────────────────────────────────┤
`, truncate(backend, 44), vsyncIcon, state)
}

// renderLast renders the latest completion
func (m Model) renderLast() string {
	if m.lastSeq == 0 {
		return "│ No swaps completed                                   │\n"
	}

	s := fmt.Sprintf("│ Last:   seq %-8d frame %-10d flags %-6s │\n", m.lastSeq, m.lastFrame, m.lastFlags)
	s += fmt.Sprintf("│ Onset:  %-14.6f via %-28s │\n", m.lastOnset, m.lastSource)
	s += fmt.Sprintf("│ Type:   %-45s │\n", m.lastVerdict.SwapType)
	s += fmt.Sprintf("│ Level:  %-45s │\n", truncate(verdictText(m.lastVerdict), 45))
	return s
}

// renderStats renders completion statistics
func (m Model) renderStats() string {
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Stats:  OK: %d  Discarded: %d  Rejected: %d  Skipped: %d%-4s │
│ Jitter: [%s] %.3fms (max %.3fms)%-6s │
`, m.presented, m.discarded, m.rejected, m.skipped, "",
		renderBar(m.jitter, m.refresh, 10), m.jitter*1000, m.maxJitter*1000, "")
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `│ v:Vsync  p:Pause  r:Reset  d:Debug  q:Quit           │
└──────────────────────────────────────────────────────┘
`
}

// renderDebug renders tracker counters
func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Session: %-41s │
│   Submitted: %d Aborted: %d Unmatched: %d%-10s │
`, truncate(m.session, 41), m.tracker.Submitted, m.tracker.Aborted, m.tracker.Unmatched, "")
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.controls != nil {
			select {
			case m.controls.Quit <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case "v":
		m.vsync = !m.vsync
		if m.controls != nil {
			send(m.controls.Vsync, m.vsync)
		}
	case "p":
		m.paused = !m.paused
		if m.controls != nil {
			send(m.controls.Pause, m.paused)
		}
	case "r":
		m.resetStats()
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// send never blocks the UI loop.
func send(ch chan bool, v bool) {
	select {
	case ch <- v:
	default:
	}
}

func (m *Model) resetStats() {
	m.presented = 0
	m.discarded = 0
	m.rejected = 0
	m.skipped = 0
	m.jitter = 0
	m.maxJitter = 0
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Backend != "" {
		m.backend = msg.Backend
	}
	if msg.Session != "" {
		m.session = msg.Session
	}
	if msg.RefreshInterval > 0 {
		m.refresh = msg.RefreshInterval
	}
	if msg.Vsync != nil {
		m.vsync = *msg.Vsync
	}
	if msg.Stats != nil {
		m.tracker = *msg.Stats
	}
}

// applyCompletion folds one completion into the stats. Jitter is measured
// between completions on adjacent frames only.
func (m *Model) applyCompletion(c flipstamp.Completion) {
	if c.Verdict.Level == reliability.Reject {
		m.rejected++
	}
	if c.Status != swap.Completed {
		m.discarded++
		return
	}
	m.presented++

	if m.lastSeq != 0 && m.refresh > 0 && c.FrameCounter > m.lastFrame {
		if c.FrameCounter == m.lastFrame+1 {
			m.jitter = math.Abs(c.OnsetTime - m.lastOnset - m.refresh)
			m.maxJitter = math.Max(m.maxJitter, m.jitter)
		} else {
			m.skipped += int64(c.FrameCounter - m.lastFrame - 1)
		}
	}

	m.lastSeq = c.Seq
	m.lastOnset = c.OnsetTime
	m.lastFrame = c.FrameCounter
	m.lastFlags = c.Flags
	m.lastSource = c.Source
	m.lastVerdict = c.Verdict
}

// StatusMsg updates window state
type StatusMsg struct {
	Backend         string
	Session         string
	RefreshInterval float64
	Vsync           *bool
	Stats           *swap.TrackerStats
}

// CompletionMsg carries one completion to the model
type CompletionMsg flipstamp.Completion

// Utility functions
func renderBar(value, max float64, width int) string {
	filled := 0
	if max > 0 {
		filled = int(value / max * float64(width))
	}
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func hz(interval float64) float64 {
	if interval <= 0 {
		return 0
	}
	return 1 / interval
}

func verdictText(v reliability.Verdict) string {
	if len(v.Codes) == 0 {
		return v.Level.String()
	}
	codes := make([]string, len(v.Codes))
	for i, c := range v.Codes {
		codes[i] = c.String()
	}
	return v.Level.String() + ": " + strings.Join(codes, ",")
}
