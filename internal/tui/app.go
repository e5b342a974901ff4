// internal/tui/app.go
//
// This is the main TUI for inkflow. It uses bubbletea, which follows The Elm
// Architecture: the App model holds all state, Update reacts to messages, and
// View renders the current state to a string.
//
// The App owns the workflow engine and hands each screen (chat, auto run) a
// pointer back to itself so sub-views can reach the engine and the status bar.

package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chenyuan/inkflow/internal/api"
	"github.com/chenyuan/inkflow/internal/config"
	"github.com/chenyuan/inkflow/internal/export"
	"github.com/chenyuan/inkflow/internal/logbook"
	"github.com/chenyuan/inkflow/internal/workflow"
)

// appState represents which "screen" we're on.
type appState int

const (
	stateMainMenu appState = iota // Mode/content-type picker
	stateChat                     // Manual session: turn-based chat
	stateAutoRun                  // Auto session: progress tracking
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF")).
			MarginBottom(1)
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1)
	logTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	logBodyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithEngine overrides the workflow engine (tests inject a scripted backend).
func WithEngine(engine *workflow.Engine) AppOption {
	return func(a *App) {
		if engine != nil {
			a.engine = engine
		}
	}
}

// App is the main application model.
type App struct {
	state   appState
	config  *config.Config
	engine  *workflow.Engine
	logbook *logbook.Logbook
	exports *export.Store

	mainMenu  list.Model
	statusMsg string

	chat *chatView
	auto *autoView

	width  int
	height int
}

// menuItem implements list.Item for the main menu.
type menuItem struct {
	title  string
	desc   string
	mode   workflow.Mode
	ctype  workflow.ContentType
	toggle bool
	quit   bool
}

func (i menuItem) Title() string       { return i.title }
func (i menuItem) Description() string { return i.desc }
func (i menuItem) FilterValue() string { return i.title }

// sessionStartedMsg reports the outcome of session creation.
type sessionStartedMsg struct {
	mode workflow.Mode
	err  error
}

// NewApp creates a new App instance rooted at the given project directory.
func NewApp(projectDir string, opts ...AppOption) (*App, error) {
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, err
	}
	lb, err := logbook.New(filepath.Join(cfg.LogsDir(), "workflow.log"))
	if err != nil {
		return nil, err
	}
	client := api.New(cfg.BaseURL(), cfg.RequestTimeout())
	engine, err := workflow.New(client,
		workflow.WithLogbook(lb),
		workflow.WithPollInterval(cfg.PollInterval()),
	)
	if err != nil {
		return nil, err
	}

	mainMenu := list.New(buildMainMenu(cfg), list.NewDefaultDelegate(), 0, 0)
	mainMenu.Title = "✒ INKFLOW"
	mainMenu.SetShowStatusBar(false)
	mainMenu.SetFilteringEnabled(false)

	app := &App{
		state:    stateMainMenu,
		config:   cfg,
		engine:   engine,
		logbook:  lb,
		exports:  export.NewStore(cfg.ExportsDir()),
		mainMenu: mainMenu,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	lb.Info("inkflow started against %s", cfg.BaseURL())
	return app, nil
}

// buildMainMenu creates the main menu items from the project configuration.
func buildMainMenu(cfg *config.Config) []list.Item {
	autoType := workflow.ContentType(cfg.DefaultContentType())
	return []list.Item{
		menuItem{
			title: "撰写文章",
			desc:  "对话模式，逐阶段打磨一篇长文",
			mode:  workflow.ModeManual,
			ctype: workflow.ContentTypeArticle,
		},
		menuItem{
			title: "撰写微头条",
			desc:  "对话模式，短内容快速成稿",
			mode:  workflow.ModeManual,
			ctype: workflow.ContentTypeWeitoutiao,
		},
		menuItem{
			title: "全自动生成",
			desc:  fmt.Sprintf("后台跑完整个流程（%s），实时查看进度", autoType),
			mode:  workflow.ModeAuto,
			ctype: autoType,
		},
		menuItem{
			title:  "默认内容类型",
			desc:   fmt.Sprintf("当前：%s（回车切换）", autoType),
			toggle: true,
		},
		menuItem{
			title: "退出",
			desc:  "Quit inkflow",
			quit:  true,
		},
	}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return nil
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.mainMenu.SetSize(max(0, msg.Width-6), max(0, msg.Height-12))
		if a.chat != nil {
			a.chat.resize(msg.Width, msg.Height)
		}
		if a.auto != nil {
			a.auto.resize(msg.Width)
		}
		return a, nil

	case sessionStartedMsg:
		return a.handleSessionStarted(msg)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit
		case "q":
			if a.state == stateMainMenu {
				return a, tea.Quit
			}
		case "esc":
			if a.state != stateMainMenu {
				return a.returnToMainMenu()
			}
		case "ctrl+e":
			if a.state != stateMainMenu {
				a.exportDraft()
				return a, nil
			}
		case "enter":
			if a.state == stateMainMenu {
				return a.handleMainMenuSelection()
			}
		}
	}

	var cmds []tea.Cmd
	switch a.state {
	case stateMainMenu:
		var menuCmd tea.Cmd
		a.mainMenu, menuCmd = a.mainMenu.Update(msg)
		if menuCmd != nil {
			cmds = append(cmds, menuCmd)
		}
	case stateChat:
		if a.chat != nil {
			if cmd := a.chat.Update(msg); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
	case stateAutoRun:
		if a.auto != nil {
			if cmd := a.auto.Update(msg); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
	}
	return a, tea.Batch(cmds...)
}

// handleMainMenuSelection starts a session for the chosen mode.
func (a *App) handleMainMenuSelection() (tea.Model, tea.Cmd) {
	item, ok := a.mainMenu.SelectedItem().(menuItem)
	if !ok {
		return a, nil
	}
	if item.quit {
		return a, tea.Quit
	}
	if item.toggle {
		return a.toggleDefaultContentType()
	}
	a.statusMsg = fmt.Sprintf("正在创建会话（%s · %s）...", item.mode, item.ctype)
	return a, a.startSession(item.mode, item.ctype)
}

// toggleDefaultContentType flips the content type used for auto runs and
// persists it back to config.yaml.
func (a *App) toggleDefaultContentType() (tea.Model, tea.Cmd) {
	next := string(workflow.ContentTypeWeitoutiao)
	if a.config.DefaultContentType() == next {
		next = string(workflow.ContentTypeArticle)
	}
	if err := a.config.SetDefaultContentType(next); err != nil {
		a.statusMsg = fmt.Sprintf("保存配置失败: %v", err)
		return a, nil
	}
	index := a.mainMenu.Index()
	cmd := a.mainMenu.SetItems(buildMainMenu(a.config))
	a.mainMenu.Select(index)
	a.statusMsg = fmt.Sprintf("默认内容类型已切换为 %s", next)
	return a, cmd
}

// startSession asks the engine to create a session off the UI loop.
func (a *App) startSession(mode workflow.Mode, ctype workflow.ContentType) tea.Cmd {
	engine := a.engine
	return func() tea.Msg {
		err := engine.CreateSession(context.Background(), mode, ctype, "")
		return sessionStartedMsg{mode: mode, err: err}
	}
}

func (a *App) handleSessionStarted(msg sessionStartedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		a.statusMsg = fmt.Sprintf("创建会话失败: %v", msg.err)
		return a, nil
	}
	snap := a.engine.Snapshot()
	a.statusMsg = fmt.Sprintf("会话 %s 已创建", snap.ID)
	if msg.mode == workflow.ModeAuto {
		a.state = stateAutoRun
		a.auto = newAutoView(a)
		return a, a.auto.Init()
	}
	a.state = stateChat
	a.chat = newChatView(a)
	a.chat.resize(a.width, a.height)
	return a, a.chat.Init()
}

// exportDraft saves the session's current draft under .inkflow/exports/.
func (a *App) exportDraft() {
	path, err := a.exports.Write(a.engine.Snapshot())
	if err != nil {
		if errors.Is(err, export.ErrNoDraft) {
			a.statusMsg = "还没有可导出的草稿"
			return
		}
		a.statusMsg = fmt.Sprintf("导出失败: %v", err)
		return
	}
	a.statusMsg = fmt.Sprintf("草稿已导出到 %s", path)
	a.logbook.Info("draft exported to %s", path)
}

// returnToMainMenu abandons the current session and goes back to the picker.
func (a *App) returnToMainMenu() (tea.Model, tea.Cmd) {
	a.engine.Reset()
	a.state = stateMainMenu
	a.chat = nil
	a.auto = nil
	a.statusMsg = "会话已重置"
	return a, nil
}

// View renders the current state to a string.
func (a *App) View() string {
	var content string
	switch a.state {
	case stateMainMenu:
		content = a.mainMenu.View()
	case stateChat:
		if a.chat != nil {
			content = a.chat.View()
		}
	case stateAutoRun:
		if a.auto != nil {
			content = a.auto.View()
		}
	}
	sections := []string{headerStyle.Render("✒ INKFLOW"), content}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	if a.statusMsg != "" {
		sections = append(sections, statusStyle.Render(a.statusMsg))
	}
	return strings.Join(sections, "\n")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines := a.logbook.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	head := logTitleStyle.Render(fmt.Sprintf("LOG · %s", filepath.Base(a.logbook.Path())))
	body := logBodyStyle.Render(strings.Join(lines, "\n"))
	return panelStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
