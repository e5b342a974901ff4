package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chenyuan/inkflow/internal/api"
)

// fakeBackend scripts every collaborator outcome and records the calls made.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	createResp *api.CreateSessionResponse
	createErr  error
	sendResp   *api.MessageResponse
	sendErr    error
	stageResp  *api.StageChangeResponse
	stageErr   error
	executeErr error
	statusFn   func(call int) (*api.StatusResponse, error)
	detailResp *api.DetailResponse
	detailErr  error
	msgsResp   *api.MessagesResponse
	msgsErr    error

	lastMsgsStage string
	lastMsgsLimit int
	statusCalls   int
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeBackend) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeBackend) statusCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeBackend) CreateSession(_ context.Context, _ api.CreateSessionRequest) (*api.CreateSessionResponse, error) {
	f.record("create")
	return f.createResp, f.createErr
}

func (f *fakeBackend) SendMessage(_ context.Context, _ string, _ api.MessageRequest) (*api.MessageResponse, error) {
	f.record("send")
	return f.sendResp, f.sendErr
}

func (f *fakeBackend) NextStage(_ context.Context, _ string) (*api.StageChangeResponse, error) {
	f.record("next-stage")
	return f.stageResp, f.stageErr
}

func (f *fakeBackend) ExecuteAuto(_ context.Context, _ string) error {
	f.record("execute-auto")
	return f.executeErr
}

func (f *fakeBackend) Status(_ context.Context, _ string) (*api.StatusResponse, error) {
	f.record("status")
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return &api.StatusResponse{Status: "processing"}, nil
	}
	return fn(call)
}

func (f *fakeBackend) Detail(_ context.Context, _ string) (*api.DetailResponse, error) {
	f.record("detail")
	return f.detailResp, f.detailErr
}

func (f *fakeBackend) Messages(_ context.Context, _ string, stage string, limit int) (*api.MessagesResponse, error) {
	f.record("messages")
	f.mu.Lock()
	f.lastMsgsStage = stage
	f.lastMsgsLimit = limit
	f.mu.Unlock()
	if f.msgsResp == nil && f.msgsErr == nil {
		return &api.MessagesResponse{}, nil
	}
	return f.msgsResp, f.msgsErr
}

func newTestEngine(t *testing.T, backend *fakeBackend) *Engine {
	t.Helper()
	stamp := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	seq := 0
	eng, err := New(backend,
		WithPollInterval(2*time.Millisecond),
		WithClock(func() time.Time { return stamp }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("msg-%d", seq)
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.StopPolling)
	return eng
}

func startSession(t *testing.T, eng *Engine, backend *fakeBackend) {
	t.Helper()
	backend.createResp = &api.CreateSessionResponse{
		SessionID: "s1", ArticleID: "a1", Stage: "generate",
	}
	if err := eng.CreateSession(context.Background(), ModeManual, ContentTypeArticle, ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func waitPollDone(t *testing.T, eng *Engine) {
	t.Helper()
	eng.mu.Lock()
	done := eng.pollDone
	eng.mu.Unlock()
	if done == nil {
		t.Fatal("no poll loop was started")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not stop in time")
	}
}

func TestCreateSessionPopulatesState(t *testing.T) {
	backend := &fakeBackend{}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	got := eng.Snapshot()
	if got.ID != "s1" || got.ArticleID != "a1" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.Stage != StageGenerate || got.Status != StatusProcessing {
		t.Fatalf("unexpected stage/status: %s/%s", got.Stage, got.Status)
	}
	if len(got.Transcript) != 0 || got.Preview != nil || got.Progress != 0 {
		t.Fatalf("expected clean slate, got %+v", got)
	}
}

func TestCreateSessionFailure(t *testing.T) {
	backend := &fakeBackend{createErr: &api.Error{Status: 400, Detail: "账号配置缺失"}}
	eng := newTestEngine(t, backend)
	err := eng.CreateSession(context.Background(), ModeManual, ContentTypeArticle, "")
	if !errors.Is(err, ErrCreateSession) {
		t.Fatalf("expected ErrCreateSession, got %v", err)
	}
	got := eng.Snapshot()
	if got.Err != "账号配置缺失" {
		t.Fatalf("expected server detail on session, got %q", got.Err)
	}
	if got.Active() {
		t.Fatal("failed creation must not activate a session")
	}
}

func TestSendMessageRequiresSession(t *testing.T) {
	backend := &fakeBackend{}
	eng := newTestEngine(t, backend)
	if err := eng.SendMessage(context.Background(), "hello", ""); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if calls := backend.callNames(); len(calls) != 0 {
		t.Fatalf("expected zero network calls, got %v", calls)
	}
}

func TestSendMessageSuccess(t *testing.T) {
	backend := &fakeBackend{
		sendResp: &api.MessageResponse{
			AssistantReply: "好的，初稿在预览里。",
			Stage:          "generate",
			ArticlePreview: &api.ArticlePreview{Title: "秋日随想", Content: "..."},
			Suggestions:    []string{"换个开头"},
		},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	if err := eng.SendMessage(context.Background(), "写一篇关于秋天的文章", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got := eng.Snapshot()
	if len(got.Transcript) != 2 {
		t.Fatalf("expected 2 transcript entries, got %d", len(got.Transcript))
	}
	if got.Transcript[0].Role != RoleUser || got.Transcript[0].Content != "写一篇关于秋天的文章" {
		t.Fatalf("user turn first: %+v", got.Transcript[0])
	}
	if got.Transcript[1].Role != RoleAssistant || got.Transcript[1].Stage != StageGenerate {
		t.Fatalf("assistant turn at current stage: %+v", got.Transcript[1])
	}
	if got.Preview == nil || got.Preview.Title != "秋日随想" {
		t.Fatalf("preview not replaced: %+v", got.Preview)
	}
	if len(got.Suggestions) != 1 || got.Suggestions[0] != "换个开头" {
		t.Fatalf("suggestions not replaced: %v", got.Suggestions)
	}
}

func TestSendMessageServerFailure(t *testing.T) {
	backend := &fakeBackend{sendErr: &api.Error{Status: 400, Detail: "消息过长"}}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	err := eng.SendMessage(context.Background(), strings.Repeat("长", 10), "")
	if err == nil {
		t.Fatal("expected failure to propagate")
	}
	got := eng.Snapshot()
	if len(got.Transcript) != 2 {
		t.Fatalf("expected user + error entries, got %d", len(got.Transcript))
	}
	errEntry := got.Transcript[1]
	if !errEntry.IsError || !strings.Contains(errEntry.Content, "消息过长") {
		t.Fatalf("expected flagged error entry with detail, got %+v", errEntry)
	}
	if got.Err != "消息过长" {
		t.Fatalf("session error not captured: %q", got.Err)
	}
}

func TestSendMessageTimeoutRecovers(t *testing.T) {
	backend := &fakeBackend{
		sendErr: &api.Error{Detail: "Client.Timeout exceeded while awaiting headers", Timeout: true},
		detailResp: &api.DetailResponse{
			SessionID: "s1", Stage: "generate", Progress: 0,
			Article: &api.ArticleDetail{Title: "已完成", Content: "正文"},
		},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	if err := eng.SendMessage(context.Background(), "继续", ""); err != nil {
		t.Fatalf("recovered timeout must not propagate, got %v", err)
	}
	got := eng.Snapshot()
	if got.Err != "" {
		t.Fatalf("session error must be cleared, got %q", got.Err)
	}
	if len(got.Transcript) != 2 {
		t.Fatalf("net increase must be 2 (user + recovery), got %d", len(got.Transcript))
	}
	last := got.Transcript[len(got.Transcript)-1]
	if !strings.Contains(last.Content, "已完成") {
		t.Fatalf("recovery entry must quote the title, got %q", last.Content)
	}
	for _, msg := range got.Transcript {
		if msg.IsError {
			t.Fatalf("no entry may retain the error flag, got %+v", msg)
		}
	}
	if got.Preview == nil || got.Preview.Title != "已完成" {
		t.Fatalf("preview must come from reconciliation, got %+v", got.Preview)
	}
}

func TestSendMessageTimeoutStillPending(t *testing.T) {
	timeout := &api.Error{Detail: "request timeout", Timeout: true}
	backend := &fakeBackend{
		sendErr:    timeout,
		detailResp: &api.DetailResponse{SessionID: "s1", Stage: "generate"},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	err := eng.SendMessage(context.Background(), "继续", "")
	if !errors.Is(err, timeout) {
		t.Fatalf("unresolved timeout must propagate, got %v", err)
	}
	got := eng.Snapshot()
	if got.Err == "" {
		t.Fatal("session error must stay set")
	}
	last := got.Transcript[len(got.Transcript)-1]
	if !last.IsError || !strings.Contains(last.Content, "请求超时") {
		t.Fatalf("timeout notice must stay in place, got %+v", last)
	}
}

func TestSendMessageTimeoutReconcileFetchFails(t *testing.T) {
	timeout := &api.Error{Detail: "connection timeout", Timeout: true}
	backend := &fakeBackend{
		sendErr:   timeout,
		detailErr: &api.Error{Status: 500, Detail: "内部错误"},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	if err := eng.SendMessage(context.Background(), "继续", ""); !errors.Is(err, timeout) {
		t.Fatalf("original timeout must propagate, got %v", err)
	}
	if calls := backend.callNames(); calls[len(calls)-1] != "detail" {
		t.Fatalf("reconciliation fetch expected, calls: %v", calls)
	}
}

func TestNextStageRequiresSession(t *testing.T) {
	backend := &fakeBackend{}
	eng := newTestEngine(t, backend)
	if err := eng.NextStage(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if calls := backend.callNames(); len(calls) != 0 {
		t.Fatalf("expected zero network calls, got %v", calls)
	}
}

func TestNextStageAppliesServerStage(t *testing.T) {
	backend := &fakeBackend{
		stageResp: &api.StageChangeResponse{
			PreviousStage:  "generate",
			CurrentStage:   "optimize",
			InitialReply:   "进入优化阶段，先看开头。",
			ArticlePreview: &api.ArticlePreview{Title: "秋日随想", Content: "v2"},
			Suggestions:    []string{"精简结尾"},
		},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	// Stage-local suggestions from earlier turns must be cleared on entry.
	eng.mu.Lock()
	eng.session.Suggestions = []string{"旧建议"}
	eng.mu.Unlock()

	if err := eng.NextStage(context.Background()); err != nil {
		t.Fatalf("NextStage: %v", err)
	}
	got := eng.Snapshot()
	if got.Stage != StageOptimize {
		t.Fatalf("expected server stage applied, got %s", got.Stage)
	}
	if len(got.Transcript) != 1 {
		t.Fatalf("expected seeded assistant prompt, got %d entries", len(got.Transcript))
	}
	if got.Transcript[0].Stage != StageOptimize {
		t.Fatalf("seed prompt must carry the new stage, got %s", got.Transcript[0].Stage)
	}
	if len(got.Suggestions) != 1 || got.Suggestions[0] != "精简结尾" {
		t.Fatalf("suggestions must be refreshed, got %v", got.Suggestions)
	}
}

func TestNextStageFailureLeavesStage(t *testing.T) {
	backend := &fakeBackend{stageErr: &api.Error{Status: 400, Detail: "当前阶段未完成"}}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	if err := eng.NextStage(context.Background()); err == nil {
		t.Fatal("expected failure to propagate")
	}
	got := eng.Snapshot()
	if got.Stage != StageGenerate {
		t.Fatalf("stage must be unchanged on failure, got %s", got.Stage)
	}
	if got.Err != "当前阶段未完成" {
		t.Fatalf("error not captured: %q", got.Err)
	}
}

func TestExecuteAutoPollsToCompletion(t *testing.T) {
	backend := &fakeBackend{
		statusFn: func(call int) (*api.StatusResponse, error) {
			if call == 1 {
				return &api.StatusResponse{Status: "processing", Progress: 40, Stage: "optimize"}, nil
			}
			return &api.StatusResponse{Status: "completed", Progress: 100, Stage: "completed"}, nil
		},
		detailResp: &api.DetailResponse{
			SessionID: "s1", Stage: "completed", Progress: 100,
			Article: &api.ArticleDetail{Title: "秋日随想", Content: "终稿"},
			Messages: []api.ConversationMessage{
				{ID: "srv-1", Stage: "generate", Role: "user", Content: "主题", CreatedAt: "2025-06-01T08:00:00Z"},
				{ID: "srv-2", Stage: "completed", Role: "assistant", Content: "完成", CreatedAt: "2025-06-01T08:05:00Z"},
			},
		},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	if err := eng.ExecuteAuto(context.Background()); err != nil {
		t.Fatalf("ExecuteAuto: %v", err)
	}
	waitPollDone(t, eng)

	got := eng.Snapshot()
	if got.Status != StatusCompleted || got.Progress != 100 || got.Stage != StageCompleted {
		t.Fatalf("unexpected terminal state: %+v", got)
	}
	if eng.Polling() {
		t.Fatal("polling must stop on completion")
	}
	if got.Preview == nil || got.Preview.Title != "秋日随想" {
		t.Fatalf("final detail must populate preview, got %+v", got.Preview)
	}
	if len(got.Transcript) != 2 || got.Transcript[0].ID != "srv-1" {
		t.Fatalf("transcript must be the server's canonical version, got %+v", got.Transcript)
	}

	// No further samples once stopped.
	settled := backend.statusCallCount()
	time.Sleep(10 * time.Millisecond)
	if backend.statusCallCount() != settled {
		t.Fatal("status polled after loop stopped")
	}
}

func TestExecuteAutoFailureStatus(t *testing.T) {
	backend := &fakeBackend{
		statusFn: func(call int) (*api.StatusResponse, error) {
			return &api.StatusResponse{Status: "failed", Progress: 60, Stage: "image", Error: "图片生成失败"}, nil
		},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	if err := eng.ExecuteAuto(context.Background()); err != nil {
		t.Fatalf("ExecuteAuto: %v", err)
	}
	waitPollDone(t, eng)

	got := eng.Snapshot()
	if got.Status != StatusFailed || got.Err != "图片生成失败" {
		t.Fatalf("unexpected failure state: %+v", got)
	}
	if got.Progress != 60 || got.Stage != StageImage {
		t.Fatalf("progress/stage must still apply on the failing sample: %+v", got)
	}
}

func TestExecuteAutoTickErrorsAreTransient(t *testing.T) {
	backend := &fakeBackend{
		statusFn: func(call int) (*api.StatusResponse, error) {
			if call < 3 {
				return nil, &api.Error{Detail: "connection refused"}
			}
			return &api.StatusResponse{Status: "completed", Progress: 100, Stage: "completed"}, nil
		},
		detailResp: &api.DetailResponse{SessionID: "s1", Stage: "completed", Progress: 100},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	if err := eng.ExecuteAuto(context.Background()); err != nil {
		t.Fatalf("ExecuteAuto: %v", err)
	}
	waitPollDone(t, eng)

	if got := eng.Snapshot(); got.Status != StatusCompleted {
		t.Fatalf("tick errors must not terminate the run, got %+v", got)
	}
	if backend.statusCallCount() < 3 {
		t.Fatalf("expected retries across failing ticks, got %d calls", backend.statusCallCount())
	}
}

func TestExecuteAutoDispatchFailureStopsPolling(t *testing.T) {
	backend := &fakeBackend{
		executeErr: &api.Error{Status: 409, Detail: "会话已在执行"},
		statusFn: func(call int) (*api.StatusResponse, error) {
			return &api.StatusResponse{Status: "processing", Progress: 5, Stage: "generate"}, nil
		},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	if err := eng.ExecuteAuto(context.Background()); err != nil {
		t.Fatalf("ExecuteAuto: %v", err)
	}
	waitPollDone(t, eng)

	got := eng.Snapshot()
	if got.Status != StatusFailed || got.Err != "会话已在执行" {
		t.Fatalf("dispatch rejection must fail the run: %+v", got)
	}
	if eng.Polling() {
		t.Fatal("polling must stop after dispatch rejection")
	}
}

func TestExecuteAutoRequiresSession(t *testing.T) {
	backend := &fakeBackend{}
	eng := newTestEngine(t, backend)
	if err := eng.ExecuteAuto(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestStaleStatusSampleIgnored(t *testing.T) {
	backend := &fakeBackend{}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	// A sample from a superseded loop (different stop channel) must not touch
	// the session, no matter what it says.
	stale := make(chan struct{})
	done := eng.applyPollStatus("s1", stale, &api.StatusResponse{Status: "failed", Progress: 90, Error: "stale"})
	if !done {
		t.Fatal("stale sample must terminate its loop")
	}
	got := eng.Snapshot()
	if got.Status != StatusProcessing || got.Err != "" || got.Progress != 0 {
		t.Fatalf("stale sample mutated the session: %+v", got)
	}
}

func TestProgressClamped(t *testing.T) {
	backend := &fakeBackend{}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)

	// Install a loop identity without running a loop, so the scripted samples
	// below are the only writers.
	stop := make(chan struct{})
	eng.mu.Lock()
	eng.pollStop = stop
	eng.mu.Unlock()
	defer eng.StopPolling()

	eng.applyPollStatus("s1", stop, &api.StatusResponse{Status: "processing", Progress: 150, Stage: "edit"})
	if got := eng.Snapshot(); got.Progress != 100 {
		t.Fatalf("progress must clamp to [0,100], got %d", got.Progress)
	}
	eng.applyPollStatus("s1", stop, &api.StatusResponse{Status: "processing", Progress: -3, Stage: "edit"})
	if got := eng.Snapshot(); got.Progress != 0 {
		t.Fatalf("progress must clamp to [0,100], got %d", got.Progress)
	}
}

func TestResetRestoresDefaultsAndStopsPolling(t *testing.T) {
	backend := &fakeBackend{
		statusFn: func(call int) (*api.StatusResponse, error) {
			return &api.StatusResponse{Status: "processing", Progress: 10, Stage: "generate"}, nil
		},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)
	if err := eng.ExecuteAuto(context.Background()); err != nil {
		t.Fatalf("ExecuteAuto: %v", err)
	}

	eng.Reset()
	waitPollDone(t, eng)

	got := eng.Snapshot()
	if got.Active() || got.Stage != StageGenerate || got.Status != StatusIdle {
		t.Fatalf("reset must restore initial state: %+v", got)
	}
	if got.Loading || len(got.Transcript) != 0 || got.Preview != nil || got.Progress != 0 {
		t.Fatalf("reset left residue: %+v", got)
	}
	if eng.Polling() {
		t.Fatal("reset must stop polling")
	}

	// Idempotent at any time, including with no active session.
	eng.Reset()
	eng.StopPolling()
	eng.StopPolling()
}

func TestStageHistoryRequiresSession(t *testing.T) {
	eng := newTestEngine(t, &fakeBackend{})
	if _, err := eng.StageHistory(context.Background(), StageGenerate, 10); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestStageHistoryFetchesWithoutMutatingSession(t *testing.T) {
	backend := &fakeBackend{
		msgsResp: &api.MessagesResponse{
			Messages: []api.ConversationMessage{
				{ID: "h1", Role: "user", Content: "写一篇关于茶的文章", Stage: "generate", CreatedAt: "2025-06-01T08:00:00Z"},
				{ID: "h2", Role: "assistant", Content: "好的，我来起草。", Stage: "generate", CreatedAt: "2025-06-01T08:00:05Z"},
			},
			Total: 2,
		},
	}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)
	before := eng.Snapshot()

	history, err := eng.StageHistory(context.Background(), StageGenerate, 50)
	if err != nil {
		t.Fatalf("StageHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Role != RoleUser || history[1].Role != RoleAssistant {
		t.Fatalf("unexpected roles: %+v", history)
	}
	if history[1].CreatedAt.IsZero() {
		t.Fatal("timestamps must be parsed from the wire")
	}
	if backend.lastMsgsStage != "generate" || backend.lastMsgsLimit != 50 {
		t.Fatalf("history query not forwarded: stage=%q limit=%d", backend.lastMsgsStage, backend.lastMsgsLimit)
	}

	after := eng.Snapshot()
	if len(after.Transcript) != len(before.Transcript) {
		t.Fatal("history fetch must not touch the local transcript")
	}
}

func TestStageHistoryPropagatesFailure(t *testing.T) {
	backend := &fakeBackend{msgsErr: &api.Error{Status: 404, Detail: "会话未找到"}}
	eng := newTestEngine(t, backend)
	startSession(t, eng, backend)
	if _, err := eng.StageHistory(context.Background(), StageOptimize, 0); err == nil {
		t.Fatal("expected error")
	}
}
