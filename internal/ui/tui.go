package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// maxJobRows caps the per-job list; the rest is summarized in one line.
const maxJobRows = 12

// TUIRenderer provides rich terminal UI using bubbletea.
type TUIRenderer struct {
	mu       sync.Mutex
	cfg      Config
	program  *tea.Program
	model    *ingestModel
	tracker  *ProgressTracker
	cancel   context.CancelFunc
	started  bool
	done     chan struct{}
	detached chan struct{}
}

// NewTUIRenderer creates a TUI renderer.
// Returns an error if output is not a TTY.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}

	tracker := NewProgressTracker()
	model := newIngestModel(tracker, cfg.Title)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}

	return &TUIRenderer{
		cfg:      cfg,
		tracker:  tracker,
		model:    model,
		done:     make(chan struct{}),
		detached: make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}

	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		final, _ := r.program.Run()
		if m, ok := final.(*ingestModel); ok && m.quitting {
			close(r.detached)
		}
	}()
	return nil
}

// Detached is closed when the user leaves the view before the jobs finish.
func (r *TUIRenderer) Detached() <-chan struct{} {
	return r.detached
}

// Update implements Renderer.
func (r *TUIRenderer) Update(snaps []ingest.JobSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.Observe(snaps)
	r.tracker.UpdateETA()
	if r.program != nil {
		r.program.Send(refreshMsg{})
	}
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(sum Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program != nil {
		r.program.Send(completeMsg(sum))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	select {
	case <-r.done:
	case <-time.After(time.Second):
		// Complete was never delivered; quit explicitly.
		r.program.Quit()
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Message types for bubbletea
type refreshMsg struct{}
type completeMsg Summary
type tickMsg time.Time

// ingestModel is the bubbletea model for job progress.
type ingestModel struct {
	tracker     *ProgressTracker
	width       int
	quitting    bool
	complete    bool
	summary     Summary
	spinner     spinner.Model
	progressBar progress.Model
	styles      Styles
	title       string
}

func newIngestModel(tracker *ProgressTracker, title string) *ingestModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent))

	p := progress.New(
		progress.WithSolidFill(ColorAccent),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)

	return &ingestModel{
		tracker:     tracker,
		spinner:     s,
		progressBar: p,
		styles:      DefaultStyles(),
		width:       80,
		title:       title,
	}
}

// Init implements tea.Model.
func (m *ingestModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *ingestModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = msg.Width - 24
		if m.progressBar.Width < 20 {
			m.progressBar.Width = 20
		}

	case refreshMsg:
		return m, nil

	case completeMsg:
		m.complete = true
		m.summary = Summary(msg)
		return m, tea.Quit

	case tickMsg:
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m *ingestModel) View() string {
	if m.quitting {
		return "Stopped following. Check progress with knowpipe status JOB.\n"
	}
	if m.complete {
		return renderSummary(m.styles, m.summary, m.contentWidth())
	}

	stats := m.tracker.Stats()
	sections := []string{
		m.renderProgress(stats),
		m.renderDivider(),
		m.renderJobs(stats),
	}
	panel := m.wrapInPanel(m.title, strings.Join(sections, "\n"))
	return panel + "\n" + m.renderStatusBar(stats)
}

func (m *ingestModel) contentWidth() int {
	w := m.width - 4
	if w < 40 {
		w = 40
	}
	return w
}

func (m *ingestModel) renderProgress(stats ProgressStats) string {
	if stats.Total == 0 {
		return fmt.Sprintf("%s %s", m.spinner.View(), m.styles.Dim.Render("Waiting for jobs..."))
	}
	bar := m.progressBar.ViewAs(stats.Progress)
	pct := m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100))

	count := fmt.Sprintf("%d / %d documents", stats.Done+stats.Failed, stats.Total)
	if stats.Chunks > 0 {
		count += fmt.Sprintf("  •  %d chunks", stats.Chunks)
	}
	if stats.ETA > 0 {
		count += "  •  ETA: " + formatDuration(stats.ETA)
	}
	return fmt.Sprintf("%s  %s\n%s", bar, pct, m.styles.Label.Render(count))
}

func (m *ingestModel) renderJobs(stats ProgressStats) string {
	nameWidth := m.contentWidth() - 22
	var rows []string
	for i, line := range stats.Lines {
		if i == maxJobRows {
			rows = append(rows, m.styles.Dim.Render(fmt.Sprintf("… %d more", len(stats.Lines)-maxJobRows)))
			break
		}
		rows = append(rows, m.renderJob(line, nameWidth))
	}
	return strings.Join(rows, "\n")
}

func (m *ingestModel) renderJob(line JobLine, nameWidth int) string {
	name := truncateFilePath(line.Filename, nameWidth)
	switch line.Stage {
	case StageDone:
		return m.styles.Success.Render("● "+name) + m.styles.Dim.Render(fmt.Sprintf("  %d chunks", line.Chunks))
	case StageFailed:
		msg := "failed"
		if line.Err != nil {
			msg = fmt.Sprintf("%s failed [%s]", line.Err.Step, line.Err.Code)
		}
		return m.styles.Error.Render("✗ "+name) + m.styles.Dim.Render("  "+msg)
	case StageQueued:
		return m.styles.Dim.Render("○ " + name)
	default:
		return m.styles.Active.Render(m.spinner.View()+" "+name) + "  " + m.renderStages(line.Stage)
	}
}

// renderStages renders the pipeline with the current stage highlighted.
func (m *ingestModel) renderStages(current Stage) string {
	parts := make([]string, 0, len(pipelineStages))
	for _, s := range pipelineStages {
		style := m.styles.Dim
		switch {
		case s < current:
			style = m.styles.Stage
		case s == current:
			style = m.styles.Active
		}
		parts = append(parts, style.Render(s.Icon()))
	}
	return strings.Join(parts, m.styles.Dim.Render("→"))
}

func (m *ingestModel) renderDivider() string {
	return m.styles.Border.Render(strings.Repeat("─", m.contentWidth()))
}

func (m *ingestModel) wrapInPanel(title, content string) string {
	panel := m.styles.Panel.Width(m.contentWidth())
	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(title),
		panel.Render(content),
	)
}

func (m *ingestModel) renderStatusBar(stats ProgressStats) string {
	hint := m.styles.Dim.Render("q to detach")
	if stats.Failed == 0 {
		return hint
	}
	failed := m.styles.Error.Render(fmt.Sprintf("✗ %d failed", stats.Failed))
	return failed + m.styles.Dim.Render("  │  ") + hint
}

// renderSummary renders the completion box.
func renderSummary(styles Styles, sum Summary, width int) string {
	header := styles.Success.Render("✓ Ingestion Complete")
	if sum.Failed > 0 {
		header = styles.Warning.Render("⚠ Ingestion Finished With Failures")
	}

	lines := []string{
		header,
		"",
		fmt.Sprintf("%s %s", styles.Label.Render("Documents:"), styles.Active.Render(fmt.Sprintf("%d", sum.Completed))),
		fmt.Sprintf("%s    %s", styles.Label.Render("Chunks:"), styles.Active.Render(fmt.Sprintf("%d", sum.Chunks))),
		fmt.Sprintf("%s  %s", styles.Label.Render("Duration:"), styles.Active.Render(formatDuration(sum.Duration))),
	}
	if sum.Failed > 0 {
		lines = append(lines, "")
		for _, f := range sum.Failures {
			lines = append(lines, styles.Error.Render("✗ "+f.Filename+lineSuffix(f)))
		}
	}

	box := styles.Panel.Padding(1, 2).Width(width)
	return box.Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration formats a duration in a human-friendly way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(10 * time.Millisecond).String()
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", h, m)
}

// truncateFilePath keeps the file name and as much of its directory as
// fits in maxLen.
func truncateFilePath(path string, maxLen int) string {
	if path == "" || len(path) <= maxLen {
		return path
	}
	if maxLen < 4 {
		return "..."
	}

	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "..." + path[len(path)-maxLen+3:]
	}
	filename := path[i+1:]
	if len(filename)+4 > maxLen {
		return "..." + filename[len(filename)-maxLen+3:]
	}

	remaining := maxLen - len(filename) - 4 // 4 for ".../"
	if remaining <= 0 {
		return ".../" + filename
	}
	prefix := path[:i]
	return "..." + prefix[len(prefix)-remaining:] + "/" + filename
}

var _ Renderer = (*TUIRenderer)(nil)
