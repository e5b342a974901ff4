package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chenyuan/inkflow/internal/workflow"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	errorTextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	stageDoneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	stageHereStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	stageTodoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	suggestStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0")).Italic(true)
	previewStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
)

// chatView drives a manual-mode session: one text input, the transcript, and
// the stage pipeline across the top.
type chatView struct {
	app *App

	input   textinput.Model
	history viewport.Model
	spin    spinner.Model
	waiting bool

	width  int
	height int
}

// chatReplyMsg reports a finished message exchange.
type chatReplyMsg struct{ err error }

// stageAdvancedMsg reports a finished stage transition.
type stageAdvancedMsg struct{ err error }

func newChatView(app *App) *chatView {
	input := textinput.New()
	input.Placeholder = "说点什么，比如：写一篇关于秋天的文章"
	input.CharLimit = 5000
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return &chatView{
		app:     app,
		input:   input,
		history: viewport.New(80, 16),
		spin:    spin,
	}
}

func (v *chatView) Init() tea.Cmd {
	v.refreshTranscript()
	return textinput.Blink
}

func (v *chatView) resize(width, height int) {
	v.width = width
	v.height = height
	v.input.Width = max(20, width-8)
	v.history.Width = max(20, width-6)
	v.history.Height = max(5, height-16)
	v.refreshTranscript()
}

func (v *chatView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case chatReplyMsg:
		v.waiting = false
		v.refreshTranscript()
		if m.err != nil {
			v.app.statusMsg = fmt.Sprintf("发送失败: %s", conciseError(m.err))
		} else {
			v.app.statusMsg = "回复已更新"
		}
		return nil
	case stageAdvancedMsg:
		v.waiting = false
		v.refreshTranscript()
		if m.err != nil {
			v.app.statusMsg = fmt.Sprintf("切换阶段失败: %s", conciseError(m.err))
		} else {
			snap := v.app.engine.Snapshot()
			v.app.statusMsg = fmt.Sprintf("已进入「%s」", snap.StageLabel())
		}
		return nil
	case spinner.TickMsg:
		if !v.waiting {
			return nil
		}
		var cmd tea.Cmd
		v.spin, cmd = v.spin.Update(m)
		return cmd
	case tea.KeyMsg:
		switch m.String() {
		case "enter":
			return v.sendCurrentInput()
		case "ctrl+n":
			return v.advanceStage()
		}
	}
	var cmds []tea.Cmd
	var cmd tea.Cmd
	v.input, cmd = v.input.Update(msg)
	if cmd != nil {
		cmds = append(cmds, cmd)
	}
	v.history, cmd = v.history.Update(msg)
	if cmd != nil {
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

func (v *chatView) sendCurrentInput() tea.Cmd {
	text := strings.TrimSpace(v.input.Value())
	if text == "" || v.waiting {
		return nil
	}
	v.input.SetValue("")
	v.waiting = true
	engine := v.app.engine
	send := func() tea.Msg {
		return chatReplyMsg{err: engine.SendMessage(context.Background(), text, "")}
	}
	return tea.Batch(send, v.spin.Tick)
}

func (v *chatView) advanceStage() tea.Cmd {
	if v.waiting {
		return nil
	}
	snap := v.app.engine.Snapshot()
	if !snap.CanProceed() {
		v.app.statusMsg = "草稿还没有标题和正文，先继续对话"
		return nil
	}
	v.waiting = true
	engine := v.app.engine
	advance := func() tea.Msg {
		return stageAdvancedMsg{err: engine.NextStage(context.Background())}
	}
	return tea.Batch(advance, v.spin.Tick)
}

// refreshTranscript re-renders the conversation into the viewport and keeps
// it pinned to the newest entry.
func (v *chatView) refreshTranscript() {
	snap := v.app.engine.Snapshot()
	var lines []string
	for _, msg := range snap.Transcript {
		lines = append(lines, renderMessage(msg))
	}
	if len(lines) == 0 {
		lines = []string{suggestStyle.Render("会话已就绪，输入主题开始创作。")}
	}
	v.history.SetContent(strings.Join(lines, "\n"))
	v.history.GotoBottom()
}

func renderMessage(msg workflow.Message) string {
	var label string
	switch {
	case msg.IsError:
		label = errorTextStyle.Render("系统")
	case msg.Role == workflow.RoleUser:
		label = userStyle.Render("你")
	case msg.Role == workflow.RoleSystem:
		label = suggestStyle.Render("系统")
	default:
		label = assistantStyle.Render("助手")
	}
	content := msg.Content
	if msg.IsError {
		content = errorTextStyle.Render(content)
	}
	return fmt.Sprintf("%s  %s", label, content)
}

func (v *chatView) View() string {
	snap := v.app.engine.Snapshot()
	sections := []string{
		renderStagePipeline(snap.Stage),
		panelStyle.Render(v.history.View()),
	}
	if len(snap.Suggestions) > 0 {
		sections = append(sections, suggestStyle.Render("建议: "+strings.Join(snap.Suggestions, " · ")))
	}
	if snap.Preview != nil && snap.Preview.Title != "" {
		sections = append(sections, previewStyle.Render(fmt.Sprintf("当前草稿: 《%s》", snap.Preview.Title)))
	}
	inputLine := v.input.View()
	if v.waiting {
		inputLine = v.spin.View() + " 生成中..."
	}
	sections = append(sections,
		inputLine,
		suggestStyle.Render("enter=发送    ctrl+n=下一阶段    ctrl+e=导出草稿    esc=返回主菜单"),
	)
	return strings.Join(sections, "\n")
}

// renderStagePipeline draws the fixed pipeline with the current stage marked.
func renderStagePipeline(current workflow.Stage) string {
	var parts []string
	currentIdx := current.Index()
	for i, stage := range workflow.Stages() {
		label := stage.Label()
		switch {
		case i < currentIdx:
			parts = append(parts, stageDoneStyle.Render("✓ "+label))
		case i == currentIdx:
			parts = append(parts, stageHereStyle.Render("▶ "+label))
		default:
			parts = append(parts, stageTodoStyle.Render(label))
		}
	}
	return strings.Join(parts, "  →  ")
}

// conciseError strips the local precondition sentinels down to something the
// status bar can show.
func conciseError(err error) string {
	if errors.Is(err, workflow.ErrNoActiveSession) {
		return "会话未创建"
	}
	return err.Error()
}
