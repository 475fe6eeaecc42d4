package server

import (
	"bytes"
	"context"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"origami_catalog/internal/model"
	"origami_catalog/internal/store"

	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"
)

const (
	maxRequestBytes          = 1 << 20
	defaultGenerationTimeout = 120 * time.Second
)

// Generator is the part of the orchestrator the HTTP layer needs
type Generator interface {
	GenerateForNew(ctx context.Context, name, description string, tier model.DifficultyTier) (*model.GenerationResult, error)
	GenerateForExisting(ctx context.Context, id string) (*model.GenerationResult, error)
}

type Options struct {
	GenerationTimeout       time.Duration
	GenerationRatePerMinute int
	GenerationBurst         int

	// StorageRoot is served read-only under StoragePath when ServeStorage is set
	StorageRoot  string
	StoragePath  string
	ServeStorage bool
}

type Server struct {
	figures           store.FigureStorage
	images            store.ImageStore
	generator         Generator
	limiter           *rate.Limiter
	generationTimeout time.Duration
	markdown          goldmark.Markdown
	opts              Options
}

func New(figures store.FigureStorage, images store.ImageStore, generator Generator, opts Options) *Server {
	timeout := opts.GenerationTimeout
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}

	perMinute := opts.GenerationRatePerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	burst := opts.GenerationBurst
	if burst <= 0 {
		burst = 1
	}

	return &Server{
		figures:           figures,
		images:            images,
		generator:         generator,
		limiter:           rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		generationTimeout: timeout,
		markdown:          goldmark.New(),
		opts:              opts,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/origami", s.handleList)
	mux.HandleFunc("POST /api/origami", s.handleCreate)
	mux.HandleFunc("POST /api/origami/generate-image", s.handleGenerateNew)
	mux.HandleFunc("GET /api/origami/{id}", s.handleShow)
	mux.HandleFunc("PUT /api/origami/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/origami/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/origami/{id}/generate-image", s.handleGenerateExisting)

	if s.opts.ServeStorage && s.opts.StorageRoot != "" {
		prefix := strings.TrimRight(s.opts.StoragePath, "/")
		if prefix == "" {
			prefix = "/storage"
		}
		files := http.StripPrefix(prefix+"/", http.FileServer(noDirFS{http.Dir(s.opts.StorageRoot)}))
		mux.Handle("GET "+prefix+"/", files)
	}

	return logMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// renderDescription converts the Markdown description to HTML.
// Raw HTML in the source is escaped by goldmark's default renderer.
func (s *Server) renderDescription(desc string) string {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(desc), &buf); err != nil {
		log.Printf("[HTTP] Markdown変換エラー: %v", err)
		return ""
	}
	return buf.String()
}

// retryAfterSeconds estimates when the next generation token becomes available.
func retryAfterSeconds(l *rate.Limiter) int {
	r := l.Reserve()
	defer r.Cancel()
	return max(1, int(math.Ceil(r.Delay().Seconds())))
}

// noDirFS hides directory listings and dot entries (such as the temp dir) of the image root
type noDirFS struct {
	fs http.FileSystem
}

func (n noDirFS) Open(name string) (http.File, error) {
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return nil, os.ErrNotExist
		}
	}

	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}
	if stat.IsDir() {
		f.Close() //nolint:errcheck
		return nil, os.ErrNotExist
	}
	return f, nil
}
