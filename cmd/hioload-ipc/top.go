// File: cmd/hioload-ipc/top.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-ipc/internal/breaker"
	"github.com/momentics/hioload-ipc/ipc"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD580"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func newTopCommand(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "top <name>",
		Short: "Live dashboard of a listener's connections and breakers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := ipc.NewControlClient(a.cfg.RuntimeDir, args[0])
			if err != nil {
				return err
			}
			m := &topModel{name: args[0], client: cc, interval: interval}
			_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	return cmd
}

type topModel struct {
	name     string
	client   *ipc.ControlClient
	interval time.Duration

	stats   ipc.ListenerStats
	health  ipc.HealthReply
	err     error
	updated time.Time
}

type statsMsg struct {
	stats  ipc.ListenerStats
	health ipc.HealthReply
	err    error
}

type tickMsg time.Time

func (m *topModel) Init() tea.Cmd {
	return m.fetch
}

func (m *topModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := m.client.Stats(ctx)
	if err != nil {
		return statsMsg{err: err}
	}
	h, err := m.client.Health(ctx)
	return statsMsg{stats: st, health: h, err: err}
}

func (m *topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}
	case statsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.stats, m.health = msg.stats, msg.health
			m.updated = time.Now()
		}
		return m, m.tick()
	case tickMsg:
		return m, m.fetch
	}
	return m, nil
}

func (m *topModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("hioload-ipc top: "+m.name) + "\n\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("error: "+m.err.Error()) + "\n\n")
	}
	if !m.updated.IsZero() {
		b.WriteString(renderSummary(m.stats, m.health))
		b.WriteString("\n")
		b.WriteString(renderConns(m.stats.Conns))
		b.WriteString("\n")
		b.WriteString(renderLatency(m.stats))
	}
	b.WriteString("\n" + helpStyle.Render("q: quit  r: refresh"))
	return b.String()
}

func renderSummary(st ipc.ListenerStats, h ipc.HealthReply) string {
	status := okStyle.Render(h.Status)
	switch h.Status {
	case ipc.StatusDegraded:
		status = warnStyle.Render(h.Status)
	case ipc.StatusNotServing:
		status = errorStyle.Render(h.Status)
	}
	return fmt.Sprintf("pid %d  status %s  conns %d  open breakers %d  accepted %d  pending %d  uptime %v\n",
		st.PID, status, h.Conns, h.OpenBreakers, st.Accepted, st.Pending, st.Metrics.Uptime.Truncate(time.Second))
}

func renderConns(conns []ipc.ConnStats) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-20s %-22s %-9s %10s %10s %7s %s",
		"CONN", "TRANSPORT", "BREAKER", "IN", "OUT", "ERRORS", "NOTE")) + "\n")
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	for _, c := range conns {
		state := c.Breaker.State.String()
		switch c.Breaker.State {
		case breaker.Open:
			state = errorStyle.Render(fmt.Sprintf("%-9s", state))
		case breaker.HalfOpen:
			state = warnStyle.Render(fmt.Sprintf("%-9s", state))
		default:
			state = fmt.Sprintf("%-9s", state)
		}
		note := c.Dueling
		if note == "" && c.Descriptor.Fallback {
			note = "fallback: " + c.Descriptor.Reason
		}
		b.WriteString(fmt.Sprintf("%-20d %-22s %s %10d %10d %7d %s\n",
			c.ID, c.Descriptor.Platform, state, c.FramesIn, c.FramesOut, c.Errors, note))
	}
	if len(conns) == 0 {
		b.WriteString(helpStyle.Render("no connections") + "\n")
	}
	return b.String()
}

func renderLatency(st ipc.ListenerStats) string {
	var b strings.Builder
	for _, name := range []string{"ipc.write_latency", "ipc.read_latency"} {
		h, ok := st.Metrics.Histograms[name]
		if !ok || h.Count == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("%-18s n=%-10d p50 %-10v p99 %-10v max %v\n", name, h.Count, h.P50, h.P99, h.Max))
	}
	return b.String()
}
