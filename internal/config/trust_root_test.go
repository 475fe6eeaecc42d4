package config

import (
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeServerCA(t *testing.T, path string, ts *httptest.Server) {
	t.Helper()
	block := &pem.Block{Type: "CERTIFICATE", Bytes: ts.Certificate().Raw}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0644); err != nil {
		t.Fatalf("failed to write PEM: %v", err)
	}
}

func TestNewTrustRoot(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	dir := t.TempDir()

	t.Run("system roots only", func(t *testing.T) {
		tr, err := NewTrustRoot("")
		if err != nil {
			t.Fatalf("NewTrustRoot(\"\") error = %v", err)
		}
		if tr.TLSConfig().RootCAs == nil {
			t.Error("RootCAs should not be nil")
		}
	})

	t.Run("valid bundle", func(t *testing.T) {
		path := filepath.Join(dir, "ca.pem")
		writeServerCA(t, path, ts)

		tr, err := NewTrustRoot(path)
		if err != nil {
			t.Fatalf("NewTrustRoot() error = %v", err)
		}
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: tr.TLSConfig()}}
		resp, err := client.Get(ts.URL)
		if err != nil {
			t.Fatalf("request with custom trust root failed: %v", err)
		}
		resp.Body.Close() //nolint:errcheck
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := NewTrustRoot(filepath.Join(dir, "nope.pem")); err == nil {
			t.Error("expected error for missing bundle")
		}
	})

	t.Run("invalid PEM", func(t *testing.T) {
		path := filepath.Join(dir, "bad.pem")
		if err := os.WriteFile(path, []byte("not a certificate"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := NewTrustRoot(path); err == nil {
			t.Error("expected error for invalid PEM")
		}
	})
}

func TestTrustRoot_ReloadOnWrite(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "ca.pem")
	writeServerCA(t, path, ts)

	tr, err := NewTrustRoot(path)
	if err != nil {
		t.Fatalf("NewTrustRoot() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.StartWatching(ctx); err != nil {
		t.Fatalf("StartWatching() error = %v", err)
	}

	before := tr.Generation()
	writeServerCA(t, path, ts)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Generation() > before {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("trust root was not reloaded after write (generation %d)", tr.Generation())
}

func TestTrustRoot_KeepsPoolOnBadReload(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "ca.pem")
	writeServerCA(t, path, ts)

	tr, err := NewTrustRoot(path)
	if err != nil {
		t.Fatalf("NewTrustRoot() error = %v", err)
	}
	gen := tr.Generation()

	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := tr.reload(); err == nil {
		t.Fatal("reload() should fail on garbage")
	}
	if tr.Generation() != gen {
		t.Errorf("generation changed on failed reload")
	}
}
