package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/cases"
)

// ErrMalformedResponse is returned when a provider body is not JSON or
// lacks a job identifier.
var ErrMalformedResponse = errors.New("video: malformed provider response")

// EmbeddedError is a 2xx create response that carries an error object.
type EmbeddedError struct {
	Message string
	Raw     json.RawMessage
}

func (e *EmbeddedError) Error() string {
	if e.Message == "" {
		return "video: provider reported an error"
	}
	return "video: provider reported an error: " + e.Message
}

var jobIDPaths = []string{"id", "task_id", "data.id", "data.task_id"}

// NewCreateRequest encodes the payload for the provider's create endpoint.
func NewCreateRequest(ctx context.Context, createURL, apiKey string, payload Payload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("video: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, createURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("video: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, apiKey)
	return req, nil
}

// NewQueryRequest builds GET <queryURL>?id=<jobID>, keeping any query
// parameters already present on the endpoint.
func NewQueryRequest(ctx context.Context, queryURL, apiKey, jobID string) (*http.Request, error) {
	u, err := url.Parse(queryURL)
	if err != nil {
		return nil, fmt.Errorf("video: query endpoint: %w", err)
	}
	q := u.Query()
	q.Set("id", jobID)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("video: query request: %w", err)
	}
	setAuth(req, apiKey)
	return req, nil
}

func setAuth(req *http.Request, apiKey string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

// ParseCreateResponse extracts the job id from a 2xx create body. An error
// object inside the body is reported as *EmbeddedError.
func ParseCreateResponse(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", ErrMalformedResponse
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return "", ErrMalformedResponse
	}
	if embedded := embeddedError(doc); embedded != nil {
		return "", embedded
	}
	for _, path := range jobIDPaths {
		if id := strings.TrimSpace(doc.Get(path).String()); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no job id", ErrMalformedResponse)
}

func embeddedError(doc gjson.Result) *EmbeddedError {
	field := doc.Get("error")
	switch {
	case !field.Exists(), field.Type == gjson.Null, field.Type == gjson.False:
		return nil
	case field.Type == gjson.String && strings.TrimSpace(field.Str) == "":
		return nil
	case field.IsObject() && len(field.Map()) == 0:
		return nil
	}
	msg := field.Get("message").String()
	if msg == "" && field.Type == gjson.String {
		msg = field.Str
	}
	if msg == "" {
		msg = field.Get("code").String()
	}
	return &EmbeddedError{Message: msg, Raw: json.RawMessage(field.Raw)}
}

// State is the normalized terminal classification of a poll body.
type State int

const (
	StateRunning State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "running"
	}
}

// StatusTable maps case-folded provider status words onto terminal states.
// Words absent from the table are treated as still running.
var StatusTable = map[string]State{
	"success":   StateSucceeded,
	"succeeded": StateSucceeded,
	"completed": StateSucceeded,
	"complete":  StateSucceeded,
	"failed":    StateFailed,
	"failure":   StateFailed,
	"error":     StateFailed,
	"cancelled": StateFailed,
	"canceled":  StateFailed,
}

var (
	statusPaths = []string{"status", "data.status", "state", "data.state"}
	urlPaths    = []string{
		"video_url", "url", "data.video_url", "data.url",
		"detail.video_url", "output.video_url",
		"videos.0.url", "data.videos.0.url",
	}
	reasonPaths = []string{"error.message", "fail_reason", "data.fail_reason", "error", "message"}
)

// JobStatus is what a poll body says about the job. The body itself is
// relayed unmodified; this is only used to settle the record.
type JobStatus struct {
	State  State
	Status string
	URL    string
	Reason string
}

// ClassifyStatus reads the status word, video URL and failure reason from a
// 2xx poll body. Unparseable bodies classify as running.
func ClassifyStatus(body []byte) JobStatus {
	if !gjson.ValidBytes(body) {
		return JobStatus{State: StateRunning}
	}
	doc := gjson.ParseBytes(body)
	out := JobStatus{State: StateRunning, Status: firstString(doc, statusPaths)}
	if state, ok := StatusTable[cases.Fold().String(out.Status)]; ok {
		out.State = state
	}
	switch out.State {
	case StateSucceeded:
		out.URL = firstString(doc, urlPaths)
	case StateFailed:
		out.Reason = firstString(doc, reasonPaths)
		if out.Reason == "" {
			out.Reason = "provider reported " + out.Status
		}
	}
	return out
}

func firstString(doc gjson.Result, paths []string) string {
	for _, path := range paths {
		v := doc.Get(path)
		if v.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(v.Str); s != "" {
			return s
		}
	}
	return ""
}
