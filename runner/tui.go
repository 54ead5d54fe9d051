package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/rlch/drover"
	"github.com/rlch/drover/result"
)

// TUIFormatter implements Formatter with an animated terminal UI.
type TUIFormatter struct {
	program  *tea.Program
	model    *tuiModel
	out      io.Writer
	mu       sync.Mutex
	finished bool
	done     chan struct{}
}

// NewTUIFormatter creates a TUI formatter with animations.
func NewTUIFormatter(w io.Writer, suites []SuiteTree) *TUIFormatter {
	model := newTUIModel(suites)

	opts := []tea.ProgramOption{
		tea.WithOutput(w),
		tea.WithoutSignalHandler(),
		tea.WithAltScreen(),
	}

	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		opts = append(opts, tea.WithInput(nil))
	}

	return &TUIFormatter{
		program: tea.NewProgram(model, opts...),
		model:   model,
		out:     w,
		done:    make(chan struct{}),
	}
}

// Start begins the TUI event loop. Call this before running suites.
func (t *TUIFormatter) Start() error {
	go func() {
		defer close(t.done)

		_, _ = t.program.Run()
	}()

	return nil
}

// Format sends an event to the TUI.
func (t *TUIFormatter) Format(event Event, _ *Tally) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return nil
	}

	t.program.Send(runnerEventMsg(event))

	return nil
}

// Summary stops the TUI and prints the final static tree.
func (t *TUIFormatter) Summary(tally *Tally) error {
	t.mu.Lock()
	t.finished = true
	t.mu.Unlock()

	t.program.Send(doneMsg{tally: tally})
	t.program.Quit()

	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
	}

	_, err := fmt.Fprintln(t.out, t.model.FinalView())

	return err
}

// -----------------------------------------------------------------------------
// Tree Model - Built from suites before they run
// -----------------------------------------------------------------------------

type nodeKind int

const (
	kindSuite nodeKind = iota
	kindLane
	kindCase
)

type nodeStatus int

const (
	statusPending nodeStatus = iota
	statusRunning
	statusPass
	statusFail
	statusError
)

type treeNode struct {
	name     string
	kind     nodeKind
	status   nodeStatus
	children []*treeNode
	parent   *treeNode

	// Case nodes count finished iterations across suite iterations.
	iterations int
	failures   int
	warnings   int
	elapsed    time.Duration
	failure    *result.Failure
}

// SuiteTree holds a suite and its tree representation.
type SuiteTree struct {
	name  string
	root  *treeNode
	idx   map[string]*treeNode
	lanes map[int]*treeNode
	cases int
}

// BuildSuiteTree creates a tree for suite run on the given number of lanes.
func BuildSuiteTree(suite *drover.Suite, lanes int) SuiteTree {
	if lanes < 1 {
		lanes = 1
	}

	st := SuiteTree{
		name:  suite.Name,
		root:  &treeNode{name: suite.Name, kind: kindSuite},
		idx:   make(map[string]*treeNode),
		lanes: make(map[int]*treeNode),
	}

	for lane := range lanes {
		parent := st.root

		if lanes > 1 {
			parent = &treeNode{name: "lane " + strconv.Itoa(lane), kind: kindLane, parent: st.root}
			st.root.children = append(st.root.children, parent)
		}

		st.lanes[lane] = parent

		for _, c := range suite.Cases {
			node := &treeNode{name: c.Name, kind: kindCase, parent: parent}
			parent.children = append(parent.children, node)
			st.idx[caseKey(suite.Name, lane, c.Name)] = node
		}

		st.cases += len(suite.Cases) * max(suite.Iterations, 1)
	}

	return st
}

func caseKey(suite string, lane int, name string) string {
	return suite + "::" + strconv.Itoa(lane) + "::" + name
}

// -----------------------------------------------------------------------------
// Bubbletea Model
// -----------------------------------------------------------------------------

type tuiModel struct {
	styles  *Styles
	spinner spinner.Model

	width  int
	height int

	suites []SuiteTree
	allIdx map[string]*treeNode

	counters counters

	startTime time.Time
	endTime   time.Time

	tally  *Tally
	isDone bool
}

type counters struct {
	total      int
	done       int
	iterations int
	passed     int
	failed     int
	errors     int
}

// Messages
type (
	tickMsg        time.Time
	runnerEventMsg Event
	doneMsg        struct{ tally *Tally }
)

func newTUIModel(suites []SuiteTree) *tuiModel {
	styles := DefaultStyles()

	s := spinner.New()
	s.Spinner = spinner.Spinner{
		Frames: SpinnerFrames(),
		FPS:    time.Second / 10,
	}
	s.Style = styles.Running

	allIdx := make(map[string]*treeNode)
	total := 0

	for i := range suites {
		for key, node := range suites[i].idx {
			allIdx[key] = node
		}

		total += suites[i].cases
	}

	return &tuiModel{
		styles:    styles,
		spinner:   s,
		suites:    suites,
		allIdx:    allIdx,
		startTime: time.Now(),
		width:     80,
		height:    24,
		counters:  counters{total: total},
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.tick(),
	)
}

func (m *tuiModel) tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.QuitMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		return m, nil

	case tickMsg:
		if !m.isDone {
			cmds = append(cmds, m.tick())
		}

	case spinner.TickMsg:
		if !m.isDone {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case runnerEventMsg:
		m.handleEvent(Event(msg))

	case doneMsg:
		m.isDone = true
		m.endTime = time.Now()
		m.tally = msg.tally
	}

	return m, tea.Batch(cmds...)
}

func (m *tuiModel) handleEvent(event Event) {
	if event.Action == ActionTestEnd {
		if event.Failure != nil {
			m.counters.errors++
			m.markLane(event)
		}

		return
	}

	node, ok := m.allIdx[caseKey(event.Suite, event.Lane, event.CaseName())]
	if !ok {
		return
	}

	switch event.Action {
	case ActionCaseStart, ActionIterationStart:
		node.status = statusRunning

	case ActionStep:
		if event.Status == result.Warning {
			node.warnings++
		}

	case ActionIterationEnd:
		node.iterations++
		node.elapsed += event.Elapsed
		m.counters.iterations++

		if event.Status == result.Failed {
			node.failures++
			node.failure = event.Failure
			m.counters.failed++
		} else {
			m.counters.passed++
		}

	case ActionCaseEnd:
		m.counters.done++

		if node.failures > 0 {
			node.status = statusFail
		} else {
			node.status = statusPass
		}

	case ActionTestStart, ActionSuiteIterationStart, ActionLog, ActionBreakpoint,
		ActionSuiteIterationEnd, ActionTestEnd:
	}
}

func (m *tuiModel) markLane(event Event) {
	for _, st := range m.suites {
		if st.name != event.Suite {
			continue
		}

		if lane, ok := st.lanes[event.Lane]; ok {
			lane.status = statusError
			lane.failure = event.Failure
		}
	}
}

// clearEOL is the ANSI escape sequence to clear from cursor to end of line.
const clearEOL = "\033[K"

// FinalView renders the complete output printed after the TUI exits.
func (m *tuiModel) FinalView() string {
	return strings.Join(m.lines(true), "\n")
}

func (m *tuiModel) View() string {
	lines := m.lines(m.isDone)

	for i := range lines {
		lines[i] += clearEOL
	}

	return strings.Join(lines, "\n") + "\n"
}

func (m *tuiModel) lines(summary bool) []string {
	lines := []string{m.renderHeader(), m.renderProgress(), ""}

	for _, st := range m.suites {
		treeLines := strings.Split(strings.TrimSuffix(m.renderTree(st), "\n"), "\n")
		lines = append(lines, treeLines...)
	}

	if summary {
		lines = append(lines, "", m.renderSummary())
	}

	return lines
}

func (m *tuiModel) renderHeader() string {
	logo := m.styles.Bold.Render("drover")
	subtitle := m.styles.Dim.Render(" run")

	var status string
	if m.isDone {
		if m.counters.failed > 0 || m.counters.errors > 0 {
			status = m.styles.Fail.Render("FAIL")
		} else {
			status = m.styles.Pass.Render("PASS")
		}
	} else {
		running := m.countRunning()
		if running > 0 {
			status = m.styles.Running.Render(fmt.Sprintf("running %d", running))
		} else {
			status = m.styles.Dim.Render("starting")
		}
	}

	return fmt.Sprintf("%s%s  %s", logo, subtitle, status)
}

func (m *tuiModel) countRunning() int {
	count := 0

	for _, node := range m.allIdx {
		if node.status == statusRunning {
			count++
		}
	}

	return count
}

func (m *tuiModel) renderProgress() string {
	total := max(m.counters.total, 1)
	pct := min(float64(m.counters.done)/float64(total), 1)

	elapsed := time.Since(m.startTime)
	if !m.endTime.IsZero() {
		elapsed = m.endTime.Sub(m.startTime)
	}

	elapsedStr := m.styles.Dim.Render(fmt.Sprintf("[%s]", formatDuration(elapsed)))

	barWidth := 30
	filled := int(pct * float64(barWidth))
	filledChar, emptyChar := ProgressChars()

	bar := m.styles.ProgressFilled.Render(strings.Repeat(filledChar, filled)) +
		m.styles.ProgressEmpty.Render(strings.Repeat(emptyChar, barWidth-filled))

	counter := m.styles.Muted.Render(fmt.Sprintf("%d/%d cases", m.counters.done, m.counters.total))

	return fmt.Sprintf("%s %s %s", elapsedStr, bar, counter)
}

func (m *tuiModel) renderTree(st SuiteTree) string {
	var b strings.Builder

	b.WriteString(m.styles.Path.Render(st.name))
	b.WriteString("\n")

	for i, child := range st.root.children {
		m.renderNode(&b, child, "", i == len(st.root.children)-1)
	}

	b.WriteString("\n")

	return b.String()
}

// computeGroupStatus derives a lane's status from its cases.
func (m *tuiModel) computeGroupStatus(node *treeNode) nodeStatus {
	if node.kind == kindCase || node.status == statusError {
		return node.status
	}

	hasRunning, hasFailed, hasPending := false, false, false

	for _, child := range node.children {
		switch m.computeGroupStatus(child) {
		case statusRunning:
			hasRunning = true
		case statusFail, statusError:
			hasFailed = true
		case statusPending:
			hasPending = true
		case statusPass:
		}
	}

	switch {
	case hasRunning:
		return statusRunning
	case hasFailed:
		return statusFail
	case hasPending || len(node.children) == 0:
		return statusPending
	default:
		return statusPass
	}
}

func (m *tuiModel) renderNode(b *strings.Builder, node *treeNode, prefix string, isLast bool) {
	branch := "├─"
	if isLast {
		branch = "╰─"
	}

	name := node.name
	if node.kind == kindLane {
		name = m.styles.Bold.Render(name)
	} else {
		name = m.styles.CaseName.Render(name)
	}

	detail := ""
	if node.kind == kindCase && node.iterations > 0 {
		detail = fmt.Sprintf("  [%d iter, %s]", node.iterations, formatDuration(node.elapsed))
		if node.warnings > 0 {
			detail += m.styles.Warn.Render(fmt.Sprintf(" %d %s", node.warnings, m.styles.SymbolWarn))
		}

		detail = m.styles.Dim.Render(detail)
	}

	b.WriteString(m.styles.Dim.Render(prefix + branch + " "))
	b.WriteString(m.renderSymbol(node))
	b.WriteString(" ")
	b.WriteString(name)
	b.WriteString(detail)
	b.WriteString("\n")

	childPrefix := prefix
	if isLast {
		childPrefix += "  "
	} else {
		childPrefix += "│ "
	}

	if node.failure != nil && (node.status == statusFail || node.status == statusError) {
		b.WriteString(m.styles.Dim.Render(childPrefix + "   "))
		b.WriteString(m.styles.Fail.Render(node.failure.Error()))
		b.WriteString("\n")
	}

	for i, child := range node.children {
		m.renderNode(b, child, childPrefix, i == len(node.children)-1)
	}
}

func (m *tuiModel) renderSymbol(node *treeNode) string {
	switch m.computeGroupStatus(node) {
	case statusPending:
		return m.styles.Dim.Render("⋯")
	case statusRunning:
		return m.spinner.View()
	case statusPass:
		return m.styles.Pass.Render(m.styles.SymbolPass)
	case statusFail:
		return m.styles.Fail.Render(m.styles.SymbolFail)
	case statusError:
		return m.styles.Error.Render(m.styles.SymbolFail)
	default:
		return " "
	}
}

func (m *tuiModel) renderSummary() string {
	var parts []string

	if m.counters.passed > 0 {
		parts = append(parts, m.styles.Pass.Render(fmt.Sprintf("%d passed", m.counters.passed)))
	}

	if m.counters.failed > 0 {
		parts = append(parts, m.styles.Fail.Render(fmt.Sprintf("%d failed", m.counters.failed)))
	}

	if m.counters.errors > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("%d lane errors", m.counters.errors)))
	}

	if len(parts) == 0 {
		return m.styles.Dim.Render("  No iterations run")
	}

	total := m.styles.Muted.Render(fmt.Sprintf("(%d iterations)", m.counters.iterations))
	sep := m.styles.Dim.Render(" │ ")

	return "  " + strings.Join(parts, sep) + " " + total
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return "<1ms"
	}

	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}

	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// -----------------------------------------------------------------------------
// TUIHandler - Bridges TUI to Handler interface
// -----------------------------------------------------------------------------

// TUIHandler wraps TUIFormatter to implement Handler.
type TUIHandler struct {
	w         io.Writer
	formatter *TUIFormatter
	stderr    io.Writer
}

// NewTUIHandler creates a handler that draws the TUI on w.
// Call SetSuites before Start to initialize the tree view.
func NewTUIHandler(w io.Writer, stderr io.Writer) *TUIHandler {
	return &TUIHandler{w: w, stderr: stderr}
}

// SetSuites initializes the TUI with the suites about to run.
func (h *TUIHandler) SetSuites(suites []SuiteTree) {
	h.formatter = NewTUIFormatter(h.w, suites)
}

// Start initializes the TUI.
func (h *TUIHandler) Start() error {
	if h.formatter == nil {
		h.formatter = NewTUIFormatter(h.w, nil)
	}

	return h.formatter.Start()
}

// Event sends an event to the TUI.
func (h *TUIHandler) Event(_ context.Context, event Event, tally *Tally) error {
	if h.formatter == nil {
		return nil
	}

	return h.formatter.Format(event, tally)
}

// Err writes to stderr.
func (h *TUIHandler) Err(text string) error {
	_, err := h.stderr.Write([]byte(text + "\n"))

	return err
}

// Summary renders the final summary.
func (h *TUIHandler) Summary(tally *Tally) error {
	if h.formatter == nil {
		return nil
	}

	return h.formatter.Summary(tally)
}
