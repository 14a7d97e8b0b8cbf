// Package remote is the network boundary of the sync core: the request
// function the outbox and sync engine consume, and its HTTP implementation.
package remote

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

// httpCodePrefix marks an Error synthesized from a response that carried no
// envelope, e.g. one produced by a proxy in front of the API.
const httpCodePrefix = "HTTP_"

// Error is the error payload of an unsuccessful Result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// HTTPStatus returns the status code of an Error built from a bare HTTP
// response. ok is false for errors the server reported in an envelope.
func (e *Error) HTTPStatus() (status int, ok bool) {
	if e == nil {
		return 0, false
	}
	rest, found := strings.CutPrefix(e.Code, httpCodePrefix)
	if !found {
		return 0, false
	}
	status, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return status, true
}

// Result is the envelope every API call returns.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Decode unmarshals Data into v. Empty data leaves v untouched.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// OKResult builds a successful result around data.
func OKResult(data any) (*Result, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Result{OK: true, Data: b}, nil
}

// Requester performs one API call. A non-nil error means the request never
// produced a server verdict (network failure, timeout); a server rejection
// is a Result with OK false.
type Requester interface {
	Do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error)
}

// Streamer opens a long-lived server-push response body.
type Streamer interface {
	Stream(ctx context.Context, path string, query map[string]string) (io.ReadCloser, error)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error)

func (f RequesterFunc) Do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	return f(ctx, method, path, body, query)
}
