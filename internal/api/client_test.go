package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, 5*time.Second)
}

func TestCreateSession(t *testing.T) {
	var gotPath, gotContentType string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		json.NewEncoder(w).Encode(CreateSessionResponse{
			SessionID:   "s1",
			ArticleID:   "a1",
			Stage:       "generate",
			Mode:        "manual",
			ContentType: "article",
		})
	})
	resp, err := client.CreateSession(context.Background(), CreateSessionRequest{Mode: "manual", ContentType: "article"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if gotPath != "POST /api/v1/workflows/sessions" {
		t.Fatalf("unexpected request: %s", gotPath)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected json content type, got %q", gotContentType)
	}
	if resp.SessionID != "s1" || resp.Stage != "generate" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workflows/sessions/s1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Message != "写一篇关于秋天的文章" {
			t.Errorf("unexpected message %q", req.Message)
		}
		json.NewEncoder(w).Encode(MessageResponse{
			AssistantReply: "好的，已生成初稿。",
			Stage:          "generate",
			CanProceed:     true,
			ArticlePreview: &ArticlePreview{Title: "秋日随想", Content: "..."},
			Suggestions:    []string{"调整语气", "压缩开头"},
		})
	})
	resp, err := client.SendMessage(context.Background(), "s1", MessageRequest{Message: "写一篇关于秋天的文章"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.ArticlePreview == nil || resp.ArticlePreview.Title != "秋日随想" {
		t.Fatalf("missing preview: %+v", resp)
	}
	if len(resp.Suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %v", resp.Suggestions)
	}
}

func TestServerErrorCarriesDetail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"会话未找到"}`))
	})
	_, err := client.NextStage(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Detail != "会话未找到" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if IsTimeout(err) {
		t.Fatal("a 400 must not classify as timeout")
	}
}

func TestTimeoutClassification(t *testing.T) {
	slow := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	})
	slow.http.Timeout = 10 * time.Millisecond
	err := slow.ExecuteAuto(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != 0 {
		t.Fatalf("transport failures must carry no HTTP status: %v", err)
	}

	if IsTimeout(nil) {
		t.Fatal("nil is not a timeout")
	}
	if !IsTimeout(errors.New("upstream read timeout")) {
		t.Fatal("message-based classification should catch timeout substrings")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded is a timeout")
	}
}

func TestMessagesQueryParameters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("stage"); got != "optimize" {
			t.Errorf("stage query = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit query = %q", got)
		}
		json.NewEncoder(w).Encode(MessagesResponse{
			Messages: []ConversationMessage{{ID: "m1", Role: "assistant", Stage: "optimize", Content: "ok"}},
			Total:    1,
		})
	})
	resp, err := client.Messages(context.Background(), "s1", "optimize", 20)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if resp.Total != 1 || len(resp.Messages) != 1 {
		t.Fatalf("unexpected page: %+v", resp)
	}
}

func TestDetailTolerantOfExtras(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"session_id": "s1",
			"article_id": "a1",
			"stage": "completed",
			"mode": "auto",
			"progress": 100,
			"stage_data": {"unmodeled": true},
			"article": {"title": "已完成", "content": "正文", "token_usage": 512},
			"messages": [{"id": "m1", "stage": "generate", "role": "user", "content": "hi", "created_at": "2025-06-01T00:00:00Z"}]
		}`))
	})
	resp, err := client.Detail(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if resp.Article == nil || resp.Article.Title != "已完成" {
		t.Fatalf("missing article: %+v", resp)
	}
	if resp.Progress != 100 || len(resp.Messages) != 1 {
		t.Fatalf("unexpected detail: %+v", resp)
	}
}
