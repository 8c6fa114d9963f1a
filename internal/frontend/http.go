package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"bughunter/internal/httputil"
)

// TokenHeader carries the shared secret on intake and callback requests.
const TokenHeader = "X-Bughunter-Token"

// ErrThreadNotFound is returned when the frontend has no such thread.
var ErrThreadNotFound = errors.New("thread not found")

// Effect actions sent to the callback URL.
const (
	ActionPostMessage      = "post_message"
	ActionEditStatus       = "edit_status"
	ActionDeleteStatus     = "delete_status"
	ActionCompletionRecord = "completion_record"
)

// Effect is the JSON body POSTed to the callback URL.
type Effect struct {
	Action    string            `json:"action"`
	ThreadRef string            `json:"thread_ref"`
	Text      string            `json:"text,omitempty"`
	Record    *CompletionRecord `json:"record,omitempty"`
}

// HTTPBridge implements Frontend against a chat bridge service: effects are
// POSTed to the callback URL and threads are read from
// <callback URL>/threads/<ref>.
type HTTPBridge struct {
	callbackURL string
	secret      string
	retry       httputil.RetryConfig
}

func NewHTTPBridge(callbackURL, secret string, client *http.Client) *HTTPBridge {
	retry := httputil.DefaultRetryConfig()
	retry.Client = client
	return &HTTPBridge{
		callbackURL: strings.TrimRight(callbackURL, "/"),
		secret:      secret,
		retry:       retry,
	}
}

func (b *HTTPBridge) FetchThread(ctx context.Context, threadRef string) (Thread, error) {
	endpoint := b.callbackURL + "/threads/" + url.PathEscape(threadRef)
	resp, err := httputil.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(TokenHeader, b.secret)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, b.retry)
	if err != nil {
		return Thread{}, fmt.Errorf("fetch thread %s: %w", threadRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Thread{}, fmt.Errorf("thread %s: %w", threadRef, ErrThreadNotFound)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return Thread{}, fmt.Errorf("fetch thread %s: %w", threadRef, err)
	}

	var th Thread
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&th); err != nil {
		return Thread{}, fmt.Errorf("decode thread %s: %w", threadRef, err)
	}
	if th.Ref == "" {
		th.Ref = threadRef
	}
	return th, nil
}

func (b *HTTPBridge) PostMessage(ctx context.Context, threadRef, text string) error {
	return b.send(ctx, Effect{Action: ActionPostMessage, ThreadRef: threadRef, Text: text})
}

func (b *HTTPBridge) EditStatusMessage(ctx context.Context, threadRef, text string) error {
	return b.send(ctx, Effect{Action: ActionEditStatus, ThreadRef: threadRef, Text: text})
}

func (b *HTTPBridge) DeleteStatusMessage(ctx context.Context, threadRef string) error {
	return b.send(ctx, Effect{Action: ActionDeleteStatus, ThreadRef: threadRef})
}

func (b *HTTPBridge) PostCompletionRecord(ctx context.Context, rec CompletionRecord) error {
	return b.send(ctx, Effect{Action: ActionCompletionRecord, ThreadRef: rec.ThreadRef, Record: &rec})
}

func (b *HTTPBridge) send(ctx context.Context, eff Effect) error {
	payload, err := json.Marshal(eff)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eff.Action, err)
	}
	resp, err := httputil.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, b.callbackURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(TokenHeader, b.secret)
		return req, nil
	}, b.retry)
	if err != nil {
		return fmt.Errorf("%s: %w", eff.Action, err)
	}
	defer resp.Body.Close()
	if err := httputil.CheckStatus(resp); err != nil {
		return fmt.Errorf("%s: %w", eff.Action, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
