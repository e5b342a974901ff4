// Package workflow implements the client-side orchestration engine for the
// staged writing pipeline. The engine owns one Session, mutates it only under
// its lock, and talks to the backend exclusively through the Collaborator
// interface so tests can drive every network outcome.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chenyuan/inkflow/internal/api"
	"github.com/chenyuan/inkflow/internal/logbook"
)

// Sentinel errors for local precondition failures. These are raised before
// any network activity and are never retried.
var (
	ErrNoActiveSession = errors.New("workflow: no active session")
	ErrCreateSession   = errors.New("workflow: create session failed")
)

const defaultPollInterval = time.Second

// Collaborator is the slice of the backend surface the engine consumes.
// *api.Client satisfies it.
type Collaborator interface {
	CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.CreateSessionResponse, error)
	SendMessage(ctx context.Context, sessionID string, req api.MessageRequest) (*api.MessageResponse, error)
	NextStage(ctx context.Context, sessionID string) (*api.StageChangeResponse, error)
	ExecuteAuto(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (*api.StatusResponse, error)
	Detail(ctx context.Context, sessionID string) (*api.DetailResponse, error)
	Messages(ctx context.Context, sessionID, stage string, limit int) (*api.MessagesResponse, error)
}

// Engine coordinates message exchange, stage transitions, and auto-execution
// polling over one session.
type Engine struct {
	client       Collaborator
	log          *logbook.Logbook
	pollInterval time.Duration
	clock        func() time.Time
	newID        func() string

	mu       sync.Mutex
	session  Session
	pollStop chan struct{}
	pollDone chan struct{}
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithLogbook attaches an activity log for poll failures and lifecycle events.
func WithLogbook(log *logbook.Logbook) Option {
	return func(e *Engine) { e.log = log }
}

// WithPollInterval overrides the auto-run poll cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator overrides message ID assignment (primarily for tests).
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// New wires an engine to its backend collaborator.
func New(client Collaborator, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("workflow: collaborator is required")
	}
	engine := &Engine{
		client:       client,
		pollInterval: defaultPollInterval,
		clock:        time.Now,
		newID:        uuid.NewString,
		session:      initialSession(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Snapshot returns a copy of the current session state.
func (e *Engine) Snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone()
}

// CreateSession starts a new workflow attempt, replacing any local state from
// a previous one.
func (e *Engine) CreateSession(ctx context.Context, mode Mode, contentType ContentType, customTopic string) error {
	e.mu.Lock()
	e.session.Loading = true
	e.session.Err = ""
	e.mu.Unlock()

	resp, err := e.client.CreateSession(ctx, api.CreateSessionRequest{
		Mode:        string(mode),
		ContentType: string(contentType),
		CustomTopic: customTopic,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Loading = false
	if err != nil {
		e.session.Err = errorDetail(err)
		return fmt.Errorf("%w: %s", ErrCreateSession, errorDetail(err))
	}
	e.session = Session{
		ID:          resp.SessionID,
		ArticleID:   resp.ArticleID,
		Mode:        mode,
		ContentType: contentType,
		Stage:       Stage(resp.Stage),
		Status:      StatusProcessing,
	}
	e.logInfo("session %s created (mode=%s, type=%s, stage=%s)", resp.SessionID, mode, contentType, resp.Stage)
	return nil
}

// SendMessage delivers one user turn to the current stage and appends both
// sides of the exchange to the transcript. The user message is appended before
// the network call so the operator's input stays visible even when the call
// fails or hangs.
func (e *Engine) SendMessage(ctx context.Context, text, usePromptID string) error {
	e.mu.Lock()
	if !e.session.Active() {
		e.mu.Unlock()
		return ErrNoActiveSession
	}
	sessionID := e.session.ID
	e.session.Err = ""
	e.session.Loading = true
	e.appendMessageLocked(RoleUser, text, e.session.Stage, false)
	e.mu.Unlock()

	resp, err := e.client.SendMessage(ctx, sessionID, api.MessageRequest{
		Message:     text,
		UsePromptID: usePromptID,
	})
	if err != nil {
		return e.handleSendFailure(ctx, sessionID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Loading = false
	e.appendMessageLocked(RoleAssistant, resp.AssistantReply, e.session.Stage, false)
	if resp.ArticlePreview != nil {
		e.session.Preview = resp.ArticlePreview
	}
	if resp.Suggestions != nil {
		e.session.Suggestions = resp.Suggestions
	}
	return nil
}

// handleSendFailure classifies a message-exchange failure. Timeouts go through
// reconciliation because the backend's generation budget means the work may
// have finished after the client gave up waiting; everything else becomes an
// error transcript entry.
func (e *Engine) handleSendFailure(ctx context.Context, sessionID string, sendErr error) error {
	detail := errorDetail(sendErr)
	if api.IsTimeout(sendErr) {
		return e.reconcileTimeout(ctx, sessionID, sendErr)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Loading = false
	e.session.Err = detail
	e.appendMessageLocked(RoleAssistant, fmt.Sprintf("❌ 处理失败：%s", detail), e.session.Stage, true)
	return sendErr
}

// reconcileTimeout re-fetches authoritative session state to distinguish
// "request lost" from "response lost but work completed". When the fetched
// preview already carries a title the timeout is resolved to success and
// swallowed; otherwise the notice stays in place and the timeout propagates.
func (e *Engine) reconcileTimeout(ctx context.Context, sessionID string, sendErr error) error {
	e.mu.Lock()
	e.session.Err = errorDetail(sendErr)
	notice := e.appendMessageLocked(RoleAssistant, "⏱️ 请求超时，正在检查处理结果...", e.session.Stage, true)
	e.mu.Unlock()

	detail, fetchErr := e.client.Detail(ctx, sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Loading = false
	if fetchErr != nil {
		e.logWarn("timeout reconciliation failed for session %s: %v", sessionID, fetchErr)
		return sendErr
	}
	if detail.Article == nil || detail.Article.Title == "" {
		e.logWarn("timeout reconciliation found no finished draft for session %s", sessionID)
		return sendErr
	}
	e.applyDetailLocked(detail, false)
	e.removeMessageLocked(notice.ID)
	e.appendMessageLocked(RoleAssistant, fmt.Sprintf("✅ 文章已生成《%s》", detail.Article.Title), e.session.Stage, false)
	e.session.Err = ""
	e.logInfo("timeout recovered: session %s produced %q", sessionID, detail.Article.Title)
	return nil
}

// NextStage asks the server to advance the pipeline. The server is
// authoritative on ordering; on failure the local stage is left unchanged.
func (e *Engine) NextStage(ctx context.Context) error {
	e.mu.Lock()
	if !e.session.Active() {
		e.mu.Unlock()
		return ErrNoActiveSession
	}
	sessionID := e.session.ID
	e.session.Err = ""
	e.session.Loading = true
	e.mu.Unlock()

	resp, err := e.client.NextStage(ctx, sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Loading = false
	if err != nil {
		e.session.Err = errorDetail(err)
		return err
	}
	e.session.Stage = Stage(resp.CurrentStage)
	e.session.Suggestions = nil
	if resp.InitialReply != "" {
		e.appendMessageLocked(RoleAssistant, resp.InitialReply, Stage(resp.CurrentStage), false)
	}
	if resp.ArticlePreview != nil {
		e.session.Preview = resp.ArticlePreview
	}
	if resp.Suggestions != nil {
		e.session.Suggestions = resp.Suggestions
	}
	e.logInfo("session %s advanced %s → %s", sessionID, resp.PreviousStage, resp.CurrentStage)
	return nil
}

// LoadSessionDetail replaces preview, transcript, stage, and progress with the
// server's canonical view of the session.
func (e *Engine) LoadSessionDetail(ctx context.Context) error {
	e.mu.Lock()
	if !e.session.Active() {
		e.mu.Unlock()
		return ErrNoActiveSession
	}
	sessionID := e.session.ID
	e.mu.Unlock()

	detail, err := e.client.Detail(ctx, sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.ID != sessionID {
		return nil
	}
	e.applyDetailLocked(detail, true)
	return nil
}

// StageHistory fetches the server-side transcript for one stage, newest page
// last. It reads without mutating the session: callers decide what to do with
// the history (export, review, diffing against the local transcript).
func (e *Engine) StageHistory(ctx context.Context, stage Stage, limit int) ([]Message, error) {
	e.mu.Lock()
	if !e.session.Active() {
		e.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	sessionID := e.session.ID
	e.mu.Unlock()

	resp, err := e.client.Messages(ctx, sessionID, string(stage), limit)
	if err != nil {
		return nil, fmt.Errorf("workflow: fetch stage history: %w", err)
	}
	history := make([]Message, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		history = append(history, e.messageFromWire(msg))
	}
	return history, nil
}

// Reset stops any active poll and restores every field to its initial value.
// Safe to call at any time, including with no active session.
func (e *Engine) Reset() {
	e.StopPolling()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = initialSession()
}

// applyDetailLocked maps a detail response into the session. The transcript is
// only overwritten when asked: reconciliation keeps the local transcript so
// the synthesized notice bookkeeping stays coherent.
func (e *Engine) applyDetailLocked(detail *api.DetailResponse, replaceTranscript bool) {
	if detail.Article != nil {
		e.session.Preview = &api.ArticlePreview{
			Title:        detail.Article.Title,
			Content:      detail.Article.Content,
			FullContent:  detail.Article.Content,
			ImagePrompts: detail.Article.ImagePrompts,
			Images:       detail.Article.Images,
		}
	}
	if replaceTranscript && detail.Messages != nil {
		transcript := make([]Message, 0, len(detail.Messages))
		for _, msg := range detail.Messages {
			transcript = append(transcript, e.messageFromWire(msg))
		}
		e.session.Transcript = transcript
	}
	if Stage(detail.Stage).Known() {
		e.session.Stage = Stage(detail.Stage)
	}
	e.session.Progress = clampProgress(detail.Progress)
}

func (e *Engine) messageFromWire(msg api.ConversationMessage) Message {
	created, err := time.Parse(time.RFC3339, msg.CreatedAt)
	if err != nil {
		created = e.clock()
	}
	isError := false
	if flag, ok := msg.ExtraData["is_error"].(bool); ok {
		isError = flag
	}
	id := msg.ID
	if id == "" {
		id = e.newID()
	}
	return Message{
		ID:        id,
		Role:      Role(msg.Role),
		Content:   msg.Content,
		Stage:     Stage(msg.Stage),
		CreatedAt: created,
		IsError:   isError,
	}
}

func (e *Engine) appendMessageLocked(role Role, content string, stage Stage, isError bool) Message {
	msg := Message{
		ID:        e.newID(),
		Role:      role,
		Content:   content,
		Stage:     stage,
		CreatedAt: e.clock(),
		IsError:   isError,
	}
	e.session.Transcript = append(e.session.Transcript, msg)
	return msg
}

// removeMessageLocked drops one transcript entry by ID. Only the reconciler
// uses this, to replace its transient timeout notice.
func (e *Engine) removeMessageLocked(id string) {
	for i, msg := range e.session.Transcript {
		if msg.ID == id {
			e.session.Transcript = append(e.session.Transcript[:i], e.session.Transcript[i+1:]...)
			return
		}
	}
}

// errorDetail prefers the server's failure description over Go error prose.
func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}

func (e *Engine) logInfo(format string, args ...any) {
	if e.log != nil {
		e.log.Info(format, args...)
	}
}

func (e *Engine) logWarn(format string, args ...any) {
	if e.log != nil {
		e.log.Warn(format, args...)
	}
}

func (e *Engine) logError(format string, args ...any) {
	if e.log != nil {
		e.log.Error(format, args...)
	}
}
