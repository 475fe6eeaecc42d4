package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"origami_catalog/internal/model"
)

// figureRequest accepts both the English keys and the legacy form keys
type figureRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Tier        string `json:"tier"`
	ImageURL    string `json:"image_url"`

	Nombre            string `json:"nombre"`
	Descripcion       string `json:"descripcion"`
	NivelDeDificultad string `json:"nivel_de_dificultad"`
	ImagenURL         string `json:"imagen_url"`
}

func (r *figureRequest) normalize() {
	r.Name = strings.TrimSpace(firstNonEmpty(r.Name, r.Nombre))
	r.Description = strings.TrimSpace(firstNonEmpty(r.Description, r.Descripcion))
	r.Tier = firstNonEmpty(r.Tier, r.NivelDeDificultad)
	r.ImageURL = strings.TrimSpace(firstNonEmpty(r.ImageURL, r.ImagenURL))
}

type figureResponse struct {
	model.Figure
	DescriptionHTML string `json:"description_html,omitempty"`
}

type errorResponse struct {
	Error   model.ErrorKind `json:"error"`
	Message string          `json:"message"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	figs, err := s.figures.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, figs)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	fig, err := s.figures.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, figureResponse{
		Figure:          *fig,
		DescriptionHTML: s.renderDescription(fig.Description),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}

	fig := &model.Figure{
		Name:        req.Name,
		Description: req.Description,
		Tier:        tier,
	}
	if err := fig.Validate(); err != nil {
		writeError(w, err)
		return
	}

	if req.ImageURL != "" {
		if err := s.checkLocalImage(r.Context(), req.ImageURL); err != nil {
			writeError(w, err)
			return
		}
		fig.ImageURL = req.ImageURL
	}

	if err := s.figures.Create(r.Context(), fig); err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[HTTP] フィギュアを作成しました: id=%s name=%q", fig.ID, fig.Name)
	writeJSON(w, http.StatusCreated, fig)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	current, err := s.figures.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	// ティア未指定なら現在の値を維持
	tier := current.Tier
	if req.Tier != "" {
		if tier, err = model.ParseTier(req.Tier); err != nil {
			writeError(w, err)
			return
		}
	}

	fig := &model.Figure{
		ID:          current.ID,
		Name:        req.Name,
		Description: req.Description,
		Tier:        tier,
	}
	if err := fig.Validate(); err != nil {
		writeError(w, err)
		return
	}

	if err := s.figures.Update(r.Context(), fig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fig)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.figures.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if deleted.HasImage() {
		if err := s.images.Delete(r.Context(), deleted.ImageURL); err != nil {
			log.Printf("[HTTP] 画像削除に失敗しました (id=%s): %v", deleted.ID, err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGenerateNew(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := model.ValidateFields(req.Name, req.Description, tier); err != nil {
		writeError(w, err)
		return
	}

	if !s.allowGeneration(w) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.generationTimeout)
	defer cancel()

	result, err := s.generator.GenerateForNew(ctx, req.Name, req.Description, tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGenerateExisting(w http.ResponseWriter, r *http.Request) {
	if !s.allowGeneration(w) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.generationTimeout)
	defer cancel()

	result, err := s.generator.GenerateForExisting(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) allowGeneration(w http.ResponseWriter) bool {
	if s.limiter.Allow() {
		return true
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(s.limiter)))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:   "rate_limited",
		Message: "too many image generation requests",
	})
	return false
}

// checkLocalImage enforces that a figure only references images held by the store.
func (s *Server) checkLocalImage(ctx context.Context, imageURL string) error {
	exists, err := s.images.Exists(ctx, imageURL)
	if err != nil {
		return err
	}
	if !exists {
		return model.NewValidationError("image_url", "image does not exist in storage", nil)
	}
	return nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*figureRequest, bool) {
	var req figureRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "bad_request",
			Message: "invalid JSON body",
		})
		return nil, false
	}
	req.normalize()
	return &req, true
}

func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation, model.KindConflict:
		return http.StatusUnprocessableEntity
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindProvider, model.KindFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	kind := model.KindOf(err)

	msg := err.Error()
	var typed *model.Error
	if !errors.As(err, &typed) {
		// 型なしエラーの詳細は外に出さない
		msg = "internal error"
	}
	if status >= 500 {
		log.Printf("[HTTP] %d %s: %v", status, kind, err)
	}

	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] レスポンス書き込みエラー: %v", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[HTTP] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
