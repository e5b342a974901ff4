package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/chenyuan/inkflow/internal/workflow"
)

// autoRefreshInterval paces UI redraws, not backend polling: the engine's
// poll loop runs on its own cadence and this view only snapshots its state.
const autoRefreshInterval = 500 * time.Millisecond

// autoView tracks a background auto run: progress bar, stage pipeline, and
// the final draft once the run lands.
type autoView struct {
	app *App

	bar      progress.Model
	spin     spinner.Model
	finished bool
}

// autoDispatchedMsg reports the outcome of starting the background job.
type autoDispatchedMsg struct{ err error }

// autoRefreshMsg asks the view to re-snapshot engine state.
type autoRefreshMsg struct{}

func newAutoView(app *App) *autoView {
	spin := spinner.New()
	spin.Spinner = spinner.Line
	return &autoView{
		app:  app,
		bar:  progress.New(progress.WithDefaultGradient()),
		spin: spin,
	}
}

func (v *autoView) Init() tea.Cmd {
	engine := v.app.engine
	dispatch := func() tea.Msg {
		return autoDispatchedMsg{err: engine.ExecuteAuto(context.Background())}
	}
	return tea.Batch(dispatch, v.spin.Tick, v.scheduleRefresh())
}

func (v *autoView) resize(width int) {
	v.bar.Width = max(20, width-10)
}

func (v *autoView) scheduleRefresh() tea.Cmd {
	return tea.Tick(autoRefreshInterval, func(time.Time) tea.Msg {
		return autoRefreshMsg{}
	})
}

func (v *autoView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case autoDispatchedMsg:
		if m.err != nil {
			v.app.statusMsg = fmt.Sprintf("启动失败: %s", conciseError(m.err))
			v.finished = true
			return nil
		}
		v.app.statusMsg = "全自动流程已启动"
		return nil
	case autoRefreshMsg:
		if v.finished {
			return nil
		}
		snap := v.app.engine.Snapshot()
		if snap.Status == workflow.StatusCompleted || snap.Status == workflow.StatusFailed {
			v.finished = true
			return nil
		}
		return v.scheduleRefresh()
	case spinner.TickMsg:
		if v.finished {
			return nil
		}
		var cmd tea.Cmd
		v.spin, cmd = v.spin.Update(m)
		return cmd
	}
	return nil
}

func (v *autoView) View() string {
	snap := v.app.engine.Snapshot()
	sections := []string{
		renderStagePipeline(snap.Stage),
		v.bar.ViewAs(float64(snap.Progress) / 100.0),
	}
	switch snap.Status {
	case workflow.StatusCompleted:
		line := "✅ 生成完成"
		if snap.Preview != nil && snap.Preview.Title != "" {
			line = fmt.Sprintf("✅ 生成完成：《%s》", snap.Preview.Title)
		}
		sections = append(sections, stageDoneStyle.Render(line))
		if snap.Preview != nil && snap.Preview.Content != "" {
			sections = append(sections, previewStyle.Render(excerpt(snap.Preview.Content, 400)))
		}
	case workflow.StatusFailed:
		reason := snap.Err
		if reason == "" {
			reason = "未知错误"
		}
		sections = append(sections, errorTextStyle.Render("❌ 执行失败："+reason))
	default:
		sections = append(sections, fmt.Sprintf("%s %s · %d%%", v.spin.View(), snap.StageLabel(), snap.Progress))
	}
	hint := "esc=返回主菜单"
	if snap.Status == workflow.StatusCompleted {
		hint = "ctrl+e=导出草稿    " + hint
	}
	sections = append(sections, suggestStyle.Render(hint))
	return strings.Join(sections, "\n\n")
}

// excerpt trims long draft bodies for the summary panel.
func excerpt(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "…"
}
