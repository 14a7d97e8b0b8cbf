package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/api/im/messages/c1" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("url = %s", r.URL)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["content"] != "hi" {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"ok":true,"data":{"message":{"id":"srv-1"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", nil)
	res, err := c.Do(context.Background(), http.MethodPost, "/api/im/messages/c1",
		json.RawMessage(`{"content":"hi"}`), map[string]string{"limit": "5"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("result not ok: %+v", res)
	}
	var data struct {
		Message struct{ ID string } `json:"message"`
	}
	if err := res.Decode(&data); err != nil || data.Message.ID != "srv-1" {
		t.Errorf("decoded %+v, %v", data, err)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"envelope error", http.StatusBadRequest, `{"ok":false,"error":{"code":"VALIDATION","message":"bad"}}`, "VALIDATION"},
		{"bare status", http.StatusTooManyRequests, `slow down`, "HTTP_429"},
		{"empty json", http.StatusInternalServerError, `{}`, "HTTP_500"},
		{"gateway timeout", http.StatusGatewayTimeout, `<html>504 Gateway Time-out</html>`, "HTTP_504"},
		{"bad gateway", http.StatusBadGateway, ``, "HTTP_502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res, err := NewClient(srv.URL, "", nil).Do(context.Background(), http.MethodGet, "/x", nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			if res.OK || res.Error == nil || res.Error.Code != tt.wantCode {
				t.Fatalf("result = %+v, want code %s", res, tt.wantCode)
			}
			status, ok := res.Error.HTTPStatus()
			if wantBare := tt.wantCode != "VALIDATION"; ok != wantBare {
				t.Errorf("HTTPStatus() ok = %v, want %v", ok, wantBare)
			}
			if ok && status != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestClientNetworkErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewClient(url, "", nil).Do(context.Background(), http.MethodGet, "/x", nil, nil); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestClientStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	body, err := NewClient(srv.URL, "", nil).Stream(context.Background(), "/api/im/sync/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = body.Close() }()
	b, _ := io.ReadAll(body)
	if string(b) != "data: {}\n\n" {
		t.Errorf("stream body = %q", b)
	}
}
