package synth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testRequest(text string) Request {
	return Request{
		BookID:      "book-1",
		ChapterID:   "3",
		ParagraphID: "p0042",
		Text:        text,
		Model:       "edge",
		Voice:       "zh-CN-XiaoxiaoNeural",
		Speed:       1.25,
		RoleMode:    true,
	}
}

func TestSynthesizeInline(t *testing.T) {
	var triggers, fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tts/synthesize":
			triggers.Add(1)
			w.WriteHeader(http.StatusOK)
		case "/tts/audio":
			fetches.Add(1)
			q := r.URL.Query()
			if q.Get("text") == "" {
				t.Error("inline fetch is missing the text parameter")
			}
			if q.Get("paragraphId") != "p0042" || q.Get("voice") != "zh-CN-XiaoxiaoNeural" {
				t.Errorf("unexpected fetch query: %v", q)
			}
			if q.Get("speed") != "1.25" || q.Get("autoRole") != "true" {
				t.Errorf("unexpected fetch query: %v", q)
			}
			w.Write([]byte("mp3-bytes")) //nolint:errcheck
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	data, err := c.Synthesize(context.Background(), testRequest("Short text."))
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(data) != "mp3-bytes" {
		t.Errorf("Synthesize() = %q, want %q", data, "mp3-bytes")
	}
	if triggers.Load() != 0 {
		t.Errorf("inline request made %d trigger calls, want 0", triggers.Load())
	}
	if fetches.Load() != 1 {
		t.Errorf("inline request made %d fetch calls, want 1", fetches.Load())
	}
}

func TestSynthesizeTwoStep(t *testing.T) {
	longText := strings.Repeat("A very long paragraph of narrated text. ", 20)

	var triggers, fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tts/synthesize":
			triggers.Add(1)
			if r.Method != http.MethodPost {
				t.Errorf("trigger method = %s, want POST", r.Method)
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("trigger body did not decode: %v", err)
			}
			if body["text"] != longText || body["bookId"] != "book-1" {
				t.Error("trigger body is missing synthesis parameters")
			}
			w.WriteHeader(http.StatusOK)
		case "/tts/audio":
			fetches.Add(1)
			if fetches.Load() > 0 && triggers.Load() == 0 {
				t.Error("fetch arrived before trigger")
			}
			if r.URL.Query().Get("text") != "" {
				t.Error("two-step fetch must not carry the text inline")
			}
			w.Write([]byte("rendered")) //nolint:errcheck
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	data, err := c.Synthesize(context.Background(), testRequest(longText))
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(data) != "rendered" {
		t.Errorf("Synthesize() = %q, want %q", data, "rendered")
	}
	if triggers.Load() != 1 || fetches.Load() != 1 {
		t.Errorf("calls = %d triggers, %d fetches, want 1 and 1", triggers.Load(), fetches.Load())
	}
}

func TestSynthesizeRetriesTransient(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("finally")) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3, time.Millisecond))
	data, err := c.Synthesize(context.Background(), testRequest("Short."))
	if err != nil {
		t.Fatalf("Synthesize() error = %v after transient failures", err)
	}
	if string(data) != "finally" {
		t.Errorf("Synthesize() = %q, want %q", data, "finally")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestSynthesizeExhaustsRetryBudget(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3, time.Millisecond))
	_, err := c.Synthesize(context.Background(), testRequest("Short."))
	if err == nil {
		t.Fatal("Synthesize() succeeded, want error after exhausted retries")
	}
	if !IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestSynthesizeAuthFailsFast(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3, time.Millisecond))
	_, err := c.Synthesize(context.Background(), testRequest("Short."))
	if !IsAuth(err) {
		t.Fatalf("error = %v, want auth", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (auth errors must not retry)", attempts.Load())
	}
}

func TestSynthesizeServerErrorCarriesMessage(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("voice model not installed")) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3, time.Millisecond))
	_, err := c.Synthesize(context.Background(), testRequest("Short."))
	se, ok := AsError(err)
	if !ok {
		t.Fatalf("error = %v, want *synth.Error", err)
	}
	if se.Kind != KindServer {
		t.Errorf("Kind = %s, want server", se.Kind)
	}
	if se.Msg != "voice model not installed" {
		t.Errorf("Msg = %q, want the raw server message", se.Msg)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (server errors must not retry)", attempts.Load())
	}
}

func TestSynthesizeTimeoutSignatureIsTransient(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("upstream request timeout")) //nolint:errcheck
			return
		}
		w.Write([]byte("ok-bytes")) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3, time.Millisecond))
	data, err := c.Synthesize(context.Background(), testRequest("Short."))
	if err != nil {
		t.Fatalf("Synthesize() error = %v, want retry after timeout signature", err)
	}
	if string(data) != "ok-bytes" {
		t.Errorf("Synthesize() = %q, want %q", data, "ok-bytes")
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestSynthesizeValidation(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Write([]byte("never")) //nolint:errcheck
	}))
	defer srv.Close()
	c := NewClient(srv.URL)

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"Missing book id", func(r *Request) { r.BookID = "" }},
		{"Missing paragraph id", func(r *Request) { r.ParagraphID = "" }},
		{"Missing text", func(r *Request) { r.Text = "" }},
		{"Missing model", func(r *Request) { r.Model = "" }},
		{"Missing voice", func(r *Request) { r.Voice = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest("Short.")
			tt.mutate(&req)
			_, err := c.Synthesize(context.Background(), req)
			se, ok := AsError(err)
			if !ok || se.Kind != KindInvalidInput {
				t.Errorf("error = %v, want invalid-input", err)
			}
		})
	}
	if calls.Load() != 0 {
		t.Errorf("invalid requests reached the network %d times", calls.Load())
	}
}

func TestVoicesAndModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		switch r.URL.Path {
		case "/tts/models":
			json.NewEncoder(w).Encode([]Model{ //nolint:errcheck
				{ID: "edge", Name: "Edge", Languages: []string{"zh", "en"}},
			})
		case "/tts/voices":
			if r.URL.Query().Get("model") != "edge" {
				t.Errorf("voices query model = %q, want edge", r.URL.Query().Get("model"))
			}
			json.NewEncoder(w).Encode([]Voice{ //nolint:errcheck
				{ID: "v1", Name: "Xiaoxiao", Lang: "zh-CN", Gender: "female"},
				{ID: "v2", Name: "Yunxi", Lang: "zh-CN", Gender: "male"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok-1"))

	models, err := c.Models(context.Background())
	if err != nil {
		t.Fatalf("Models() error = %v", err)
	}
	if len(models) != 1 || models[0].ID != "edge" {
		t.Errorf("Models() = %+v", models)
	}

	voices, err := c.Voices(context.Background(), "edge", "")
	if err != nil {
		t.Fatalf("Voices() error = %v", err)
	}
	if len(voices) != 2 || voices[1].Name != "Yunxi" {
		t.Errorf("Voices() = %+v", voices)
	}
}

func TestParagraphs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts/paragraphs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("bookId") != "book-1" || r.URL.Query().Get("chapter") != "3" {
			t.Errorf("unexpected query: %v", r.URL.Query())
		}
		w.Write([]byte(`[
			{"id":"p0","text":"First.","order":0,"anchor":{"type":"locator","value":"p0"}},
			{"id":"p1","text":"Second.","order":1,"anchor":{"type":"locator","value":"p1"}}
		]`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	paragraphs, err := c.Paragraphs(context.Background(), "book-1", "3")
	if err != nil {
		t.Fatalf("Paragraphs() error = %v", err)
	}
	if len(paragraphs) != 2 {
		t.Fatalf("len = %d, want 2", len(paragraphs))
	}
	if paragraphs[1].ID != "p1" || paragraphs[1].Anchor.Value != "p1" {
		t.Errorf("Paragraphs()[1] = %+v", paragraphs[1])
	}
	if paragraphs[0].Anchor.Type != "locator" {
		t.Errorf("anchor type = %q, want locator", paragraphs[0].Anchor.Type)
	}
}
