package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// ---------- messages sent from the chat goroutine via program.Send() ----------

type readInputMsg struct{}

type inputResult struct {
	text string
	err  error
}

type userMsg struct{ text string }
type thinkingStartMsg struct{}
type textDeltaMsg struct{ delta string }
type textDoneMsg struct{ fullText string }
type systemMsg struct{ text string }
type errorMsg struct{ text string }
type statusMsg struct{ sessionID, document string }
type loopDoneMsg struct{ err error }

// TUIConfig carries version/provider info for the welcome box and status bar.
type TUIConfig struct {
	Version     string
	Provider    string
	Model       string
	Store       string
	ShowWelcome bool
}

// ---------- styles ----------

var (
	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	statusModelStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("235")).
				Foreground(lipgloss.Color("2")).
				Bold(true)

	statusBarBgStyle = lipgloss.NewStyle().Background(lipgloss.Color("235"))
	separatorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))

	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	welcomeBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("8")).
				Padding(0, 1)
	welcomeTitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	welcomeLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	welcomeValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

var dotSpinner = spinner.Spinner{
	Frames: []string{"·", "✢", "✳", "✶", "✻", "✽", "✻", "✶", "✳", "✢"},
	FPS:    120 * time.Millisecond,
}

// ---------- Model ----------

// Model is the bubbletea model for the interactive chat.
type Model struct {
	textinput   textinput.Model
	spinner     spinner.Model
	width       int
	liveContent *strings.Builder
	thinking    bool
	streaming   bool
	inputMode   bool
	quitting    bool
	menuSel     int

	inputCh      chan inputResult
	cancelLoopFn func() bool

	cfg       TUIConfig
	sessionID string
	document  string

	mdRenderer      *glamour.TermRenderer
	mdRendererWidth int
}

// NewModel creates the initial bubbletea model.
func NewModel(inputCh chan inputResult, cfg TUIConfig) Model {
	ti := textinput.New()
	ti.Prompt = "❯ "
	ti.Placeholder = "Ask a question, or /help"
	ti.CharLimit = 8192

	sp := spinner.New()
	sp.Spinner = dotSpinner
	sp.Style = spinnerStyle

	return Model{
		textinput:   ti,
		spinner:     sp,
		liveContent: &strings.Builder{},
		inputCh:     inputCh,
		cfg:         cfg,
	}
}

func (m Model) Init() tea.Cmd {
	if m.cfg.ShowWelcome {
		return tea.Println(renderWelcome(m.cfg))
	}
	return nil
}

// menuItems returns the command completions for the current input, or nil
// when the menu is closed.
func (m Model) menuItems() []Command {
	if !m.inputMode {
		return nil
	}
	v := m.textinput.Value()
	if !strings.HasPrefix(v, "/") || strings.Contains(v, " ") {
		return nil
	}
	return filterCommands(Commands(), v)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.textinput.Width = m.width - 4

	case spinner.TickMsg:
		if m.thinking {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.KeyMsg:
		items := m.menuItems()
		switch msg.String() {
		case "ctrl+c":
			if m.inputMode {
				m.inputCh <- inputResult{err: fmt.Errorf("interrupted")}
				m.inputMode = false
				m.textinput.Blur()
			}
			m.quitting = true
			return m, tea.Quit
		case "esc":
			if (m.thinking || m.streaming) && m.cancelLoopFn != nil {
				m.cancelLoopFn()
				return m, nil
			}
			if len(items) > 0 {
				m.textinput.SetValue("")
			}
			return m, nil
		case "up":
			if len(items) > 0 && m.menuSel > 0 {
				m.menuSel--
			}
			return m, nil
		case "down":
			if len(items) > 0 && m.menuSel < len(items)-1 {
				m.menuSel++
			}
			return m, nil
		case "tab":
			if len(items) > 0 {
				m.complete(items)
			}
			return m, nil
		case "enter":
			if !m.inputMode {
				return m, nil
			}
			// Enter on a partial command completes it first.
			if len(items) > 0 {
				if c := items[min(m.menuSel, len(items)-1)]; c.Name != m.textinput.Value() {
					if c.Args != "" {
						m.complete(items)
						return m, nil
					}
					m.textinput.SetValue(c.Name)
				}
			}
			text := strings.TrimSpace(m.textinput.Value())
			m.textinput.SetValue("")
			m.menuSel = 0
			m.inputMode = false
			m.textinput.Blur()
			m.inputCh <- inputResult{text: text}
			return m, nil
		}

		if m.inputMode {
			if isControlKeyMsg(msg.String()) {
				return m, nil
			}
			var cmd tea.Cmd
			m.textinput, cmd = m.textinput.Update(msg)
			m.menuSel = 0
			cmds = append(cmds, cmd)
		}

	// ---------- messages from the chat goroutine ----------

	case readInputMsg:
		m.inputMode = true
		m.textinput.Focus()

	case userMsg:
		cmds = append(cmds, tea.Println(userStyle.Render("You: ")+msg.text))

	case thinkingStartMsg:
		m.thinking = true
		m.streaming = false
		cmds = append(cmds, m.spinner.Tick)

	case textDeltaMsg:
		m.thinking = false
		m.streaming = true
		m.liveContent.WriteString(msg.delta)

	case textDoneMsg:
		m.thinking = false
		m.streaming = false
		m.liveContent.Reset()
		cmds = append(cmds, tea.Println(m.renderMarkdown(msg.fullText)))

	case systemMsg:
		cmds = append(cmds, tea.Println(systemStyle.Render(msg.text)))

	case errorMsg:
		m.thinking = false
		cmds = append(cmds, tea.Println(errorStyle.Render("Error: "+msg.text)))

	case statusMsg:
		m.sessionID = msg.sessionID
		m.document = msg.document

	case loopDoneMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}

// complete replaces the input with the selected command followed by a space.
func (m *Model) complete(items []Command) {
	c := items[min(m.menuSel, len(items)-1)]
	m.textinput.SetValue(c.Name + " ")
	m.textinput.CursorEnd()
	m.menuSel = 0
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var parts []string
	switch {
	case m.thinking:
		parts = append(parts, m.spinner.View()+hintStyle.Render(" Thinking…  (esc to cancel)"))
	case m.streaming:
		parts = append(parts, m.liveContent.String())
	}

	if m.inputMode {
		parts = append(parts, m.textinput.View())
		if menu := renderCommandMenu(m.menuItems(), m.menuSel, m.width); menu != "" {
			parts = append(parts, menu)
		}
	} else {
		parts = append(parts, systemStyle.Render("❯"))
	}
	parts = append(parts, m.renderStatusBar())
	return strings.Join(parts, "\n")
}

// renderStatusBar renders the bottom separator and model/session/document bar.
func (m *Model) renderStatusBar() string {
	width := m.width
	if width <= 0 {
		width = 80
	}
	return separatorStyle.Width(width).Render(strings.Repeat("─", width)) + "\n" +
		statusBarBgStyle.Width(width).Render(statusLine(m.cfg.Model, m.sessionID, m.document, width))
}

// statusLine renders "model │ session │ 📄 document". The document name is
// shortened by display width so the line never wraps.
func statusLine(model, sessionID, document string, width int) string {
	if model == "" {
		model = "unknown"
	}
	if sessionID == "" {
		sessionID = "new chat"
	}
	line := statusModelStyle.Render(" "+model) + statusBarStyle.Render(" │ "+sessionID)
	if document == "" {
		return line
	}
	// 3 cells for " │ ", 3 for the icon and its space, 2 for padding.
	room := width - lipgloss.Width(line) - 8
	if room < 4 {
		return line
	}
	return line + statusBarStyle.Render(" │ 📄 "+runewidth.Truncate(document, room, "…"))
}

// ---------- markdown rendering ----------

func (m *Model) getMarkdownRenderer() *glamour.TermRenderer {
	width := m.width
	if width <= 0 {
		width = 80
	}
	wrapWidth := width - 4
	if m.mdRenderer != nil && m.mdRendererWidth == wrapWidth {
		return m.mdRenderer
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(wrapWidth),
	)
	if err != nil {
		return nil
	}
	m.mdRenderer = r
	m.mdRendererWidth = wrapWidth
	return r
}

func (m *Model) renderMarkdown(text string) string {
	r := m.getMarkdownRenderer()
	if r == nil {
		return text
	}
	rendered, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}

// ---------- welcome box ----------

func renderWelcome(cfg TUIConfig) string {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	rows := []struct{ label, value string }{
		{"Provider: ", cfg.Provider},
		{"Model:    ", cfg.Model},
		{"History:  ", cfg.Store},
	}
	var lines []string
	for _, r := range rows {
		if r.value == "" {
			continue
		}
		lines = append(lines, welcomeLabelStyle.Render(r.label)+welcomeValueStyle.Render(r.value))
	}
	lines = append(lines, "", hintStyle.Render("/help commands  /upload <file.pdf> add a document  esc cancel answer"))

	title := welcomeTitleStyle.Render("EduMentor " + version)
	return title + "\n" + welcomeBorderStyle.Render(strings.Join(lines, "\n"))
}

// ---------- key helpers ----------

// isControlKeyMsg filters raw escape sequences some terminals leak as keys.
func isControlKeyMsg(s string) bool {
	for _, r := range s {
		if r == '\x1b' || (r < 0x20 && r != '\t' && r != '\n' && r != '\r') {
			return true
		}
	}
	return false
}
