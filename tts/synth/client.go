// Package synth is the HTTP client for the remote synthesis backend. It
// implements the two-step trigger/fetch protocol with retry-with-backoff for
// transient failures, plus capability discovery and paragraph-list fetch.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// defaultInlineThreshold is the longest text (in runes) sent inline on
	// the fetch call. Longer texts must use the two-step path to avoid
	// transport-level length limits.
	defaultInlineThreshold = 300

	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
)

// Timeout signatures the backend embeds in error bodies when its upstream
// synthesis worker stalls. These are classified transient.
var transientSignatures = []string{
	"upstream request timeout",
	"connection timed out",
	"i/o timeout",
	"context deadline exceeded",
	"temporarily unavailable",
}

// Client talks to the synthesis backend. It holds no mutable state beyond
// the HTTP client, so concurrent synthesis of unrelated paragraphs is safe.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger

	inlineThreshold int
	maxAttempts     int
	baseDelay       time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRetry overrides the retry policy.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.baseDelay = baseDelay
	}
}

// WithInlineThreshold overrides the inline-text length bound.
func WithInlineThreshold(runes int) Option {
	return func(c *Client) { c.inlineThreshold = runes }
}

// WithLogger sets the logger used for request flow.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a synthesis client for the given backend base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{Timeout: 30 * time.Second},
		logger:          log.WithPrefix("synth"),
		inlineThreshold: defaultInlineThreshold,
		maxAttempts:     defaultMaxAttempts,
		baseDelay:       defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize renders one segment and returns the audio bytes. Transient
// failures are retried up to the attempt budget with linear backoff;
// authentication failures fail immediately.
func (c *Client) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	inline := len([]rune(req.Text)) <= c.inlineThreshold

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var (
			data []byte
			err  error
		)
		if inline {
			data, err = c.fetchAudio(ctx, req, true)
		} else {
			if err = c.trigger(ctx, req); err == nil {
				data, err = c.fetchAudio(ctx, req, false)
			}
		}
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := time.Duration(attempt) * c.baseDelay
		c.logger.Debug("transient synthesis failure, retrying",
			"paragraph", req.ParagraphID, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindTransient, Op: "synthesize", Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// Models returns the synthesis models the backend supports.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := c.getJSON(ctx, "/tts/models", nil, "models", &models); err != nil {
		return nil, err
	}
	return models, nil
}

// Voices returns the voices available for a model, optionally filtered by
// language.
func (c *Client) Voices(ctx context.Context, model, lang string) ([]Voice, error) {
	q := url.Values{}
	q.Set("model", model)
	if lang != "" {
		q.Set("lang", lang)
	}
	var voices []Voice
	if err := c.getJSON(ctx, "/tts/voices", q, "voices", &voices); err != nil {
		return nil, err
	}
	return voices, nil
}

// Paragraphs fetches the ordered paragraph list for a chapter.
func (c *Client) Paragraphs(ctx context.Context, bookID, chapter string) ([]Paragraph, error) {
	q := url.Values{}
	q.Set("bookId", bookID)
	q.Set("chapter", chapter)
	var paragraphs []Paragraph
	if err := c.getJSON(ctx, "/tts/paragraphs", q, "paragraphs", &paragraphs); err != nil {
		return nil, err
	}
	return paragraphs, nil
}

// trigger asks the backend to render and cache the audio server-side.
func (c *Client) trigger(ctx context.Context, req Request) error {
	body, err := json.Marshal(synthesizeBody{
		BookID:      req.BookID,
		ChapterID:   req.ChapterID,
		ParagraphID: req.ParagraphID,
		Text:        req.Text,
		Speed:       req.Speed,
		Model:       req.Model,
		Voice:       req.Voice,
		AutoRole:    req.RoleMode,
	})
	if err != nil {
		return &Error{Kind: KindInvalidInput, Op: "synthesize", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/tts/synthesize", bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindInvalidInput, Op: "synthesize", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindTransient, Op: "synthesize", Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return c.classifyStatus(resp, "synthesize")
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// fetchAudio retrieves the rendered bytes. The query must carry the same
// parameters as the trigger call so the server cache is hit; when inline is
// true the text rides along and no trigger call is needed.
func (c *Client) fetchAudio(ctx context.Context, req Request, inline bool) ([]byte, error) {
	q := url.Values{}
	q.Set("bookId", req.BookID)
	q.Set("chapterId", req.ChapterID)
	q.Set("paragraphId", req.ParagraphID)
	q.Set("speed", strconv.FormatFloat(req.Speed, 'f', -1, 64))
	q.Set("model", req.Model)
	q.Set("voice", req.Voice)
	q.Set("autoRole", strconv.FormatBool(req.RoleMode))
	if inline {
		q.Set("text", req.Text)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/tts/audio?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Op: "fetch", Err: err}
	}
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: "fetch", Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp, "fetch")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: "fetch", Err: err}
	}
	if len(data) == 0 {
		return nil, &Error{Kind: KindServer, Op: "fetch", Msg: "empty audio response"}
	}
	return data, nil
}

// getJSON performs an authorized GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, op string, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Kind: KindInvalidInput, Op: op, Err: err}
	}
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return c.classifyStatus(resp, op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindServer, Op: op, Err: err}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus turns a non-OK response into a classified error. 401 is
// always auth; bodies carrying a known timeout signature are transient;
// everything else is a server failure with the raw server message attached.
func (c *Client) classifyStatus(resp *http.Response, op string) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	if resp.StatusCode == http.StatusUnauthorized {
		return &Error{Kind: KindAuth, Status: resp.StatusCode, Op: op, Msg: msg}
	}

	lower := strings.ToLower(msg)
	for _, sig := range transientSignatures {
		if strings.Contains(lower, sig) {
			return &Error{Kind: KindTransient, Status: resp.StatusCode, Op: op, Msg: msg}
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout {
		return &Error{Kind: KindTransient, Status: resp.StatusCode, Op: op, Msg: msg}
	}
	return &Error{Kind: KindServer, Status: resp.StatusCode, Op: op, Msg: msg}
}

// validate rejects requests missing a required field before any network
// traffic happens. A missing field is a caller bug, not a backend failure.
func validate(req Request) error {
	missing := ""
	switch {
	case req.BookID == "":
		missing = "bookId"
	case req.ParagraphID == "":
		missing = "paragraphId"
	case req.Text == "":
		missing = "text"
	case req.Model == "":
		missing = "model"
	case req.Voice == "":
		missing = "voice"
	}
	if missing != "" {
		return &Error{
			Kind: KindInvalidInput,
			Op:   "synthesize",
			Msg:  fmt.Sprintf("missing %s", missing),
		}
	}
	return nil
}
