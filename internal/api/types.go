package api

// Wire types for the workflow backend under /api/v1. Field names follow the
// backend's snake_case payloads; the client only reads the fields the
// orchestrator consumes and tolerates extras.

// ImagePrompt describes one illustration the backend wants rendered.
type ImagePrompt struct {
	Description string `json:"description"`
	// Position is cover, after_paragraph:N, or end.
	Position string `json:"position"`
}

// GeneratedImage is an illustration the backend already rendered.
type GeneratedImage struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Position string `json:"position"`
	Prompt   string `json:"prompt,omitempty"`
	Index    int    `json:"index,omitempty"`
}

// ArticlePreview is the latest rendered draft attached to a reply.
type ArticlePreview struct {
	Title        string           `json:"title"`
	Content      string           `json:"content"`
	FullContent  string           `json:"full_content,omitempty"`
	ImagePrompts []ImagePrompt    `json:"image_prompts,omitempty"`
	Images       []GeneratedImage `json:"images,omitempty"`
	DocxURL      string           `json:"docx_url,omitempty"`
}

// CreateSessionRequest starts a new workflow session.
type CreateSessionRequest struct {
	Mode        string `json:"mode"`
	ContentType string `json:"content_type"`
	CustomTopic string `json:"custom_topic,omitempty"`
}

// CreateSessionResponse identifies the session and its opening stage.
type CreateSessionResponse struct {
	SessionID   string `json:"session_id"`
	ArticleID   string `json:"article_id"`
	Stage       string `json:"stage"`
	Mode        string `json:"mode"`
	ContentType string `json:"content_type"`
}

// MessageRequest carries one user turn to the current stage.
type MessageRequest struct {
	Message     string `json:"message"`
	UsePromptID string `json:"use_prompt_id,omitempty"`
}

// MessageResponse is the assistant's turn for a stage-scoped exchange.
type MessageResponse struct {
	AssistantReply string          `json:"assistant_reply"`
	Stage          string          `json:"stage"`
	CanProceed     bool            `json:"can_proceed"`
	ArticlePreview *ArticlePreview `json:"article_preview,omitempty"`
	Suggestions    []string        `json:"suggestions,omitempty"`
}

// StageChangeResponse reports the stage the server advanced to. The server is
// authoritative on ordering; clients never compute the next stage locally.
type StageChangeResponse struct {
	PreviousStage  string          `json:"previous_stage"`
	CurrentStage   string          `json:"current_stage"`
	SnapshotSaved  bool            `json:"snapshot_saved"`
	InitialReply   string          `json:"initial_reply,omitempty"`
	ArticlePreview *ArticlePreview `json:"article_preview,omitempty"`
	Suggestions    []string        `json:"suggestions,omitempty"`
}

// StatusResponse is one auto-run progress sample.
type StatusResponse struct {
	SessionID string `json:"session_id"`
	ArticleID string `json:"article_id"`
	Stage     string `json:"stage"`
	Mode      string `json:"mode"`
	Progress  int    `json:"progress"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ConversationMessage is one transcript entry in the server's canonical form.
type ConversationMessage struct {
	ID        string         `json:"id"`
	Stage     string         `json:"stage"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt string         `json:"created_at"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

// ArticleDetail is the full artifact view inside a session detail.
type ArticleDetail struct {
	Title        string           `json:"title"`
	Content      string           `json:"content"`
	ImagePrompts []ImagePrompt    `json:"image_prompts,omitempty"`
	Images       []GeneratedImage `json:"images,omitempty"`
	TokenUsage   int              `json:"token_usage,omitempty"`
}

// DetailResponse is the authoritative session snapshot used for reconciliation
// and for populating results after an auto run completes.
type DetailResponse struct {
	SessionID string                `json:"session_id"`
	ArticleID string                `json:"article_id"`
	Stage     string                `json:"stage"`
	Mode      string                `json:"mode"`
	Progress  int                   `json:"progress"`
	Error     string                `json:"error,omitempty"`
	CreatedAt string                `json:"created_at"`
	UpdatedAt string                `json:"updated_at"`
	Article   *ArticleDetail        `json:"article,omitempty"`
	Messages  []ConversationMessage `json:"messages,omitempty"`
}

// MessagesResponse is a page of conversation history.
type MessagesResponse struct {
	Messages []ConversationMessage `json:"messages"`
	Total    int                   `json:"total"`
}
