// Package tui renders a live dashboard for one run: counters, live
// percentiles and a progress bar. It is a progress view over the driver's
// update channel, nothing more; the verdict is printed by the CLI once the
// program exits.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"cstorm/internal/config"
	"cstorm/internal/driver"
	"cstorm/internal/metrics"
)

var (
	colorActive = lipgloss.Color("#04B575")
	colorWarn   = lipgloss.Color("#FFAF00")
	colorError  = lipgloss.Color("#FF5F87")
	colorSubtle = lipgloss.Color("#767676")

	styleActive = lipgloss.NewStyle().Foreground(colorActive).Bold(true)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarn)
	styleError  = lipgloss.NewStyle().Foreground(colorError)
	styleTitle  = lipgloss.NewStyle().Foreground(colorSubtle).Bold(true)
	styleBox    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3C3C3C")).
			Padding(0, 2)
)

type liveMsg metrics.LiveSnapshot

type doneMsg struct {
	verdict driver.Verdict
	err     error
}

type Model struct {
	cfg    config.Config
	drv    *driver.Driver
	runCtx context.Context
	cancel context.CancelFunc

	prog  progress.Model
	live  metrics.LiveSnapshot
	start time.Time
	total int
	width int

	verdict *driver.Verdict
	err     error
}

func NewModel(ctx context.Context, cfg config.Config, drv *driver.Driver) *Model {
	runCtx, cancel := context.WithCancel(ctx)
	return &Model{
		cfg:    cfg,
		drv:    drv,
		runCtx: runCtx,
		cancel: cancel,
		prog:   progress.New(progress.WithDefaultGradient()),
		start:  time.Now(),
		total:  cfg.TotalSends(),
	}
}

var _ tea.Model = (*Model)(nil)

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.execute(), m.nextUpdate())
}

func (m *Model) execute() tea.Cmd {
	return func() tea.Msg {
		v, err := m.drv.Execute(m.runCtx)
		return doneMsg{verdict: v, err: err}
	}
}

func (m *Model) nextUpdate() tea.Cmd {
	return func() tea.Msg {
		live, ok := <-m.drv.Updates
		if !ok {
			return nil
		}
		return liveMsg(live)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case liveMsg:
		m.live = metrics.LiveSnapshot(msg)
		pct := float64(m.live.Attempted) / float64(m.total)
		if pct > 1.0 {
			pct = 1.0
		}
		return m, tea.Batch(m.prog.SetPercent(pct), m.nextUpdate())

	case doneMsg:
		m.verdict = &msg.verdict
		m.err = msg.err
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.prog.Width = msg.Width - 4
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.prog.Update(msg)
		m.prog = prog.(progress.Model)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			// Cooperative stop: the driver drains in-flight sends and the
			// doneMsg still arrives with a cancelled verdict.
			m.cancel()
			return m, nil
		}
	}
	return m, nil
}

func (m *Model) View() string {
	if m.verdict != nil || m.err != nil {
		return ""
	}

	var b strings.Builder

	b.WriteString(styleTitle.Render(fmt.Sprintf("cstorm → %s:%d  (%.1f ops/s × %d workers)",
		m.cfg.TargetHost, m.cfg.TargetPort, m.cfg.TargetRate, m.cfg.Concurrency)))
	b.WriteString("\n\n")

	errRate := 0.0
	if m.live.Attempted > 0 {
		errRate = float64(m.live.Failed) / float64(m.live.Attempted)
	}
	errStyle := styleActive
	if errRate > m.cfg.MaxErrorRate {
		errStyle = styleError
	} else if errRate > 0 {
		errStyle = styleWarn
	}

	col1 := fmt.Sprintf("SENT: %d\nINF:  %d", m.live.Attempted, m.drv.Inflight())
	col2 := fmt.Sprintf("OK:   %d\nFAIL: %d", m.live.Succeeded, m.live.Failed)
	col3 := fmt.Sprintf("ERR:  %s\nELAP: %s",
		errStyle.Render(fmt.Sprintf("%.2f%%", errRate*100)),
		time.Since(m.start).Round(time.Second))

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styleBox.Render(col1),
		styleBox.Render(col2),
		styleBox.Render(col3),
	))
	b.WriteString("\n\n")

	p95Style := styleActive
	if m.live.P95Ms > m.cfg.MaxP95LatencyMs {
		p95Style = styleError
	}
	lat := fmt.Sprintf("P50: %.1f ms  |  P95: %s  |  P99: %.1f ms  |  Max: %.1f ms",
		m.live.P50Ms,
		p95Style.Render(fmt.Sprintf("%.1f ms", m.live.P95Ms)),
		m.live.P99Ms,
		m.live.MaxMs)
	b.WriteString(styleBox.Render(lat))
	b.WriteString("\n\n")

	b.WriteString(m.prog.View())
	b.WriteString("\n")
	b.WriteString(styleTitle.Render("q to stop"))
	b.WriteString("\n")

	return b.String()
}

// Verdict returns the final result once the program has quit.
func (m *Model) Verdict() (driver.Verdict, error) {
	if m.err != nil {
		return driver.Verdict{}, m.err
	}
	if m.verdict == nil {
		return driver.Verdict{}, fmt.Errorf("run did not complete")
	}
	return *m.verdict, nil
}
