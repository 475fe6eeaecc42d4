package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"origami_catalog/internal/config"
	"origami_catalog/internal/model"
)

const testKey = "sk-test-secret-key"

func newTestClient(t *testing.T, ts *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(
		config.GenerationConfig{Credential: testKey, Timeout: timeout},
		Options{BaseURL: ts.URL + "/", HTTPClient: ts.Client()},
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestGenerate_Success(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/images/generations") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer "+testKey {
			t.Errorf("Authorization header = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1700000000,"data":[{"url":"https://images.example.com/abc.png","revised_prompt":"revised"}]}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts, 5*time.Second)
	img, err := c.Generate(context.Background(), "A simple origami crane")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if img.URL != "https://images.example.com/abc.png" {
		t.Errorf("URL = %q", img.URL)
	}
	if img.RevisedPrompt != "revised" {
		t.Errorf("RevisedPrompt = %q", img.RevisedPrompt)
	}

	want := map[string]any{
		"prompt":          "A simple origami crane",
		"model":           "dall-e-3",
		"size":            "1024x1024",
		"quality":         "standard",
		"response_format": "url",
		"n":               float64(1),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("request field %s = %v, want %v", k, got[k], v)
		}
	}
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `{"error":{"message":"internal failure","type":"server_error"}}`,
			wantMsg: "status 500",
		},
		{
			name:    "policy rejection",
			status:  http.StatusBadRequest,
			body:    `{"error":{"message":"Your request was rejected by the safety system","type":"invalid_request_error","code":"content_policy_violation"}}`,
			wantMsg: "safety system",
		},
		{
			name:    "empty data",
			status:  http.StatusOK,
			body:    `{"created":1,"data":[]}`,
			wantMsg: "no images",
		},
		{
			name:    "empty url",
			status:  http.StatusOK,
			body:    `{"created":1,"data":[{"url":""}]}`,
			wantMsg: "empty image URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			c := newTestClient(t, ts, 5*time.Second)
			_, err := c.Generate(context.Background(), "A master-level origami dragon")
			if err == nil {
				t.Fatal("Generate() should fail")
			}
			if !model.IsKind(err, model.KindProvider) {
				t.Errorf("kind = %s, want provider", model.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantMsg)
			}
			if strings.Contains(err.Error(), testKey) {
				t.Errorf("error leaked the credential: %s", err.Error())
			}
			// リトライしないこと
			if n := atomic.LoadInt32(&calls); n != 1 {
				t.Errorf("server called %d times, want 1", n)
			}
		})
	}
}

func TestGenerate_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	c := newTestClient(t, ts, 50*time.Millisecond)
	start := time.Now()
	_, err := c.Generate(context.Background(), "A moderately complex origami frog")
	if !model.IsKind(err, model.KindProvider) {
		t.Fatalf("kind = %s, want provider (err=%v)", model.KindOf(err), err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout was not enforced")
	}
}

func TestNewClient_RequiresCredential(t *testing.T) {
	_, err := NewClient(config.GenerationConfig{}, Options{})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("NewClient() kind = %s, want validation", model.KindOf(err))
	}
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	c, err := NewClient(config.GenerationConfig{Credential: testKey}, Options{BaseURL: "http://127.0.0.1:1/"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Generate(context.Background(), "  "); !model.IsKind(err, model.KindValidation) {
		t.Errorf("kind = %s, want validation", model.KindOf(err))
	}
}
