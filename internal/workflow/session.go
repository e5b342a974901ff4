package workflow

import (
	"time"

	"github.com/chenyuan/inkflow/internal/api"
)

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one transcript entry. Messages are immutable once appended; the
// only exception is the transient timeout notice the reconciler replaces with
// a recovery message.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Stage     Stage
	CreatedAt time.Time
	// IsError marks synthesized failure and recovery notices so the UI can
	// render them apart from real assistant turns.
	IsError bool
}

// Session holds everything the orchestrator knows about one workflow attempt.
// It is a passive value; the Engine owns the live copy and mutates it under
// its lock, handing copies out through Snapshot.
type Session struct {
	ID          string
	ArticleID   string
	Mode        Mode
	ContentType ContentType
	Stage       Stage
	Status      Status

	// Progress is a percentage in [0,100], meaningful while a poll is active.
	Progress int
	// Err is the last surfaced failure description, empty when healthy.
	Err string
	// Loading is a UI affordance only; it is not a mutual-exclusion lock.
	Loading bool

	Transcript  []Message
	Preview     *api.ArticlePreview
	Suggestions []string
}

// Active reports whether a server-issued session exists yet.
func (s Session) Active() bool {
	return s.ID != ""
}

// Completed reports whether the pipeline has reached its final stage.
func (s Session) Completed() bool {
	return s.Stage == StageCompleted
}

// CanProceed reports whether the current draft is substantial enough to
// advance: the preview must carry both a title and content.
func (s Session) CanProceed() bool {
	return s.Preview != nil && s.Preview.Title != "" && s.Preview.Content != ""
}

// StageLabel returns the display name of the current stage.
func (s Session) StageLabel() string {
	return s.Stage.Label()
}

// clone returns a deep copy safe to hand to other goroutines.
func (s Session) clone() Session {
	out := s
	if len(s.Transcript) > 0 {
		out.Transcript = make([]Message, len(s.Transcript))
		copy(out.Transcript, s.Transcript)
	}
	if len(s.Suggestions) > 0 {
		out.Suggestions = make([]string, len(s.Suggestions))
		copy(out.Suggestions, s.Suggestions)
	}
	if s.Preview != nil {
		preview := *s.Preview
		if len(s.Preview.ImagePrompts) > 0 {
			preview.ImagePrompts = make([]api.ImagePrompt, len(s.Preview.ImagePrompts))
			copy(preview.ImagePrompts, s.Preview.ImagePrompts)
		}
		if len(s.Preview.Images) > 0 {
			preview.Images = make([]api.GeneratedImage, len(s.Preview.Images))
			copy(preview.Images, s.Preview.Images)
		}
		out.Preview = &preview
	}
	return out
}

// initialSession is the state every session returns to on reset.
func initialSession() Session {
	return Session{
		Mode:        ModeManual,
		ContentType: ContentTypeArticle,
		Stage:       StageGenerate,
		Status:      StatusIdle,
	}
}

func clampProgress(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
