package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TrustRoot manages the CA bundle used to verify outbound TLS connections.
// The bundle is appended to the system pool and reloaded when the file changes.
type TrustRoot struct {
	mu         sync.RWMutex
	pool       *x509.CertPool
	generation uint64
	filePath   string
	watcher    *fsnotify.Watcher
}

// NewTrustRoot loads the PEM bundle at filePath. An empty path uses the
// system roots only.
func NewTrustRoot(filePath string) (*TrustRoot, error) {
	t := &TrustRoot{filePath: filePath}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// TLSConfig returns a client TLS configuration built from the current pool.
func (t *TrustRoot) TLSConfig() *tls.Config {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    t.pool,
	}
}

// Generation increases every time the pool is replaced.
func (t *TrustRoot) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Path returns the watched bundle path.
func (t *TrustRoot) Path() string {
	return t.filePath
}

func (t *TrustRoot) reload() error {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if t.filePath != "" {
		data, err := os.ReadFile(t.filePath)
		if err != nil {
			return err
		}
		if !pool.AppendCertsFromPEM(data) {
			return errors.New("no PEM certificates found in trust root: " + t.filePath)
		}
	}

	t.mu.Lock()
	t.pool = pool
	t.generation++
	t.mu.Unlock()

	if t.filePath != "" {
		log.Printf("[TrustRoot] 再読み込み完了 (ファイル: %s)", t.filePath)
	}
	return nil
}

// StartWatching starts watching the bundle file for changes.
// It is a no-op when only system roots are in use.
func (t *TrustRoot) StartWatching(ctx context.Context) error {
	if t.filePath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	t.watcher = watcher

	if err := watcher.Add(t.filePath); err != nil {
		watcher.Close() //nolint:errcheck
		return err
	}

	go t.watchLoop(ctx)
	log.Printf("[TrustRoot] ファイル監視開始: %s", t.filePath)
	return nil
}

func (t *TrustRoot) watchLoop(ctx context.Context) {
	defer t.watcher.Close() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleFileEvent(ctx, event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[TrustRoot] ファイル監視エラー: %v", err)
		}
	}
}

func (t *TrustRoot) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
		// 読み込み失敗時は直前のプールを維持する
		if err := t.reload(); err != nil {
			log.Printf("[TrustRoot] 再読み込みエラー (前回のプールを維持): %v", err)
		}
		return
	}

	if event.Op&fsnotify.Rename == fsnotify.Rename || event.Op&fsnotify.Remove == fsnotify.Remove {
		go t.attemptRewatch(ctx)
	}
}

// attemptRewatch re-adds the watch after editors replace the file.
func (t *TrustRoot) attemptRewatch(ctx context.Context) {
	for range 5 {
		if _, err := os.Stat(t.filePath); err == nil && t.watcher.Add(t.filePath) == nil {
			if err := t.reload(); err != nil {
				log.Printf("[TrustRoot] 再読み込みエラー: %v", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	log.Printf("[TrustRoot] ファイル監視の再開に失敗しました: %s", t.filePath)
}
