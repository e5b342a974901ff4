package workflow

import (
	"context"
	"time"

	"github.com/chenyuan/inkflow/internal/api"
)

// ExecuteAuto starts the full server-side pipeline for the current session and
// begins polling its status. The dispatch call is fire-and-forget: its outcome
// is observed through polling, not through its own return value. ExecuteAuto
// itself returns as soon as the poll loop is running.
func (e *Engine) ExecuteAuto(ctx context.Context) error {
	e.mu.Lock()
	if !e.session.Active() {
		e.mu.Unlock()
		return ErrNoActiveSession
	}
	sessionID := e.session.ID
	e.session.Err = ""
	e.session.Loading = true
	e.session.Status = StatusProcessing
	stop := e.startPollingLocked(sessionID)
	e.mu.Unlock()

	e.logInfo("auto run dispatched for session %s", sessionID)
	go e.dispatchAuto(sessionID, stop)
	return nil
}

// dispatchAuto issues the execute-auto call in the background. Only a
// non-timeout failure stops the poller: a timeout means the server most likely
// acknowledged the job, and the poll loop owns the outcome from there.
func (e *Engine) dispatchAuto(sessionID string, stop chan struct{}) {
	err := e.client.ExecuteAuto(context.Background(), sessionID)
	if err == nil {
		return
	}
	if api.IsTimeout(err) {
		e.logWarn("auto dispatch timed out for session %s; polling continues", sessionID)
		return
	}
	e.mu.Lock()
	if e.pollStop != stop || e.session.ID != sessionID {
		e.mu.Unlock()
		return
	}
	e.session.Status = StatusFailed
	e.session.Err = errorDetail(err)
	e.stopPollingLocked()
	e.mu.Unlock()
	e.logError("auto dispatch failed for session %s: %v", sessionID, err)
}

// Polling reports whether a poll loop is active.
func (e *Engine) Polling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pollStop != nil
}

// StopPolling cancels the active poll loop, if any. Idempotent; also clears
// the loading flag regardless of prior state. The in-flight status call is not
// aborted — its result is discarded by the stale-response guard instead.
func (e *Engine) StopPolling() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopPollingLocked()
}

// startPollingLocked replaces any existing loop so at most one poll loop
// exists per session. Returns the loop's stop channel, which doubles as its
// identity for stale-response checks.
func (e *Engine) startPollingLocked(sessionID string) chan struct{} {
	e.stopPollingLocked()
	stop := make(chan struct{})
	done := make(chan struct{})
	e.pollStop = stop
	e.pollDone = done
	go e.pollLoop(sessionID, stop, done)
	return stop
}

func (e *Engine) stopPollingLocked() {
	if e.pollStop != nil {
		close(e.pollStop)
		e.pollStop = nil
	}
	e.session.Loading = false
}

// pollLoop samples the status endpoint once per tick until a terminal status
// or cancellation. Ticks are serialized: the next sample is not issued until
// the previous one settles, so updates apply in send order.
func (e *Engine) pollLoop(sessionID string, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		status, err := e.client.Status(context.Background(), sessionID)
		if err != nil {
			// Transient; retried on the next tick.
			e.logWarn("status poll failed for session %s: %v", sessionID, err)
			continue
		}
		if e.applyPollStatus(sessionID, stop, status) {
			return
		}
	}
}

// applyPollStatus applies one status sample and reports whether the loop must
// stop. Samples are dropped when the loop was cancelled or the session was
// reset or recreated while the request was in flight; identity is the stop
// channel captured at poll start plus the session ID, not the live fields.
func (e *Engine) applyPollStatus(sessionID string, stop chan struct{}, status *api.StatusResponse) bool {
	e.mu.Lock()
	if e.pollStop != stop || e.session.ID != sessionID {
		e.mu.Unlock()
		return true
	}
	e.session.Progress = clampProgress(status.Progress)
	if Stage(status.Stage).Known() {
		e.session.Stage = Stage(status.Stage)
	}
	switch Status(status.Status) {
	case StatusCompleted:
		e.session.Status = StatusCompleted
		e.stopPollingLocked()
		e.mu.Unlock()
		e.logInfo("auto run completed for session %s", sessionID)
		if err := e.LoadSessionDetail(context.Background()); err != nil {
			e.logWarn("final detail fetch failed for session %s: %v", sessionID, err)
		}
		return true
	case StatusFailed:
		e.session.Status = StatusFailed
		e.session.Err = status.Error
		if e.session.Err == "" {
			e.session.Err = "执行失败"
		}
		failure := e.session.Err
		e.stopPollingLocked()
		e.mu.Unlock()
		e.logError("auto run failed for session %s: %s", sessionID, failure)
		return true
	default:
		e.mu.Unlock()
		return false
	}
}
