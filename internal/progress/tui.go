package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

type snapshotMsg Snapshot

type finishMsg struct{ final string }

type tuiModel struct {
	bar   progress.Model
	snap  Snapshot
	final string
	done  bool
}

func newTUIModel() tuiModel {
	return tuiModel{bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))}
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = Snapshot(msg)
		return m, nil
	case finishMsg:
		m.final = msg.final
		m.done = true
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(60, msg.Width-40))
		return m, nil
	}
	return m, nil
}

func (m tuiModel) View() string {
	s := m.snap
	label := s.Label
	if label == "" {
		label = "processing"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("docscale "+label) + "\n")
	b.WriteString(m.bar.ViewAs(s.Fraction()))
	b.WriteString(fmt.Sprintf("  %d/%d\n", s.Done, s.Total))

	stats := []string{okStyle.Render(fmt.Sprintf("completed %d", s.Completed))}
	if s.Skipped > 0 {
		stats = append(stats, mutedStyle.Render(fmt.Sprintf("skipped %d", s.Skipped)))
	}
	if s.Failed > 0 {
		stats = append(stats, errorStyle.Render(fmt.Sprintf("failed %d", s.Failed)))
	}
	if s.P50 > 0 {
		stats = append(stats, mutedStyle.Render(fmt.Sprintf("p50 %s p95 %s", s.P50.Round(1e6), s.P95.Round(1e6))))
	}
	if eta := s.ETA(); eta != "" {
		stats = append(stats, mutedStyle.Render("eta ~ "+eta))
	}
	b.WriteString(strings.Join(stats, "  ") + "\n")
	if m.done && m.final != "" {
		b.WriteString(m.final + "\n")
	}
	return b.String()
}

// TUI is an inline bubbletea view with a progress bar.
type TUI struct {
	prog *tea.Program
	done chan struct{}
	once sync.Once
}

func NewTUI(w io.Writer) *TUI {
	return &TUI{
		prog: tea.NewProgram(newTUIModel(), tea.WithOutput(w), tea.WithInput(nil)),
		done: make(chan struct{}),
	}
}

func (t *TUI) Start() {
	go func() {
		defer close(t.done)
		_, _ = t.prog.Run()
	}()
}

func (t *TUI) Update(s Snapshot) {
	t.prog.Send(snapshotMsg(s))
}

func (t *TUI) Stop(final string) {
	t.once.Do(func() {
		t.prog.Send(finishMsg{final: final})
		<-t.done
	})
}
