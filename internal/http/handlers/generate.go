package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"orchestrator/internal/idempotency"
	"orchestrator/internal/middleware"
	"orchestrator/internal/orchestrator"
	"orchestrator/internal/providers/video"
)

const maxGenerateBody = 1 << 20

type generateRequest struct {
	Prompt         string   `json:"prompt" validate:"required,max=4000"`
	AspectRatio    string   `json:"aspectRatio" validate:"omitempty,oneof=16:9 9:16 1:1"`
	Model          string   `json:"model" validate:"required,max=128"`
	Images         []string `json:"images" validate:"max=8,dive,max=2048"`
	Duration       *int     `json:"duration" validate:"omitempty,min=1,max=60"`
	EnhancePrompt  *bool    `json:"enhance_prompt"`
	EnableUpsample *bool    `json:"enable_upsample"`
	Resolution     string   `json:"resolution" validate:"omitempty,max=16"`
}

func (g generateRequest) toVideo() video.GenerationRequest {
	out := video.GenerationRequest{
		Model:         g.Model,
		Prompt:        g.Prompt,
		AspectRatio:   g.AspectRatio,
		Images:        g.Images,
		EnhancePrompt: g.EnhancePrompt,
		Resolution:    g.Resolution,
	}
	if g.Duration != nil {
		out.Duration = *g.Duration
	}
	if g.EnableUpsample != nil {
		out.EnableUpsample = *g.EnableUpsample
	}
	return out
}

// Generate handles POST /generate. On success the provider's creation
// response is relayed unmodified.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, &orchestrator.Error{Kind: orchestrator.KindInvalidRequest, Status: http.StatusUnauthorized, Message: "missing user context"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGenerateBody))
	if err != nil {
		a.error(w, invalid("request body too large or unreadable"))
		return
	}
	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.error(w, invalid("invalid JSON payload"))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.error(w, invalid(validationMessage(err)))
		return
	}

	handle, err := a.Dispatcher.Dispatch(r.Context(), orchestrator.DispatchRequest{
		UserID:         userID,
		Request:        req.toVideo(),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotency.Header)),
		Fingerprint:    idempotency.Fingerprint(body),
		Meta:           requestMeta(r, req),
	})
	if err != nil {
		a.error(w, err)
		return
	}
	if handle.GenerationID != "" {
		w.Header().Set("X-Generation-ID", handle.GenerationID)
	}
	if handle.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	a.raw(w, http.StatusOK, handle.Raw)
}

// GenerateStatus handles GET /generate?taskId=. The provider's status
// payload is relayed unmodified.
func (a *App) GenerateStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	taskID := strings.TrimSpace(r.URL.Query().Get("taskId"))
	if taskID == "" {
		a.error(w, invalid("taskId is required"))
		return
	}
	status, err := a.Poller.PollFor(r.Context(), userID, taskID)
	if err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Str("task_id", taskID).Msg("poll failed")
		a.error(w, err)
		return
	}
	a.raw(w, http.StatusOK, status.Body)
}

func invalid(msg string) *orchestrator.Error {
	return &orchestrator.Error{Kind: orchestrator.KindInvalidRequest, Status: http.StatusBadRequest, Message: msg}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(fields, "; ")
}

func requestMeta(r *http.Request, req generateRequest) json.RawMessage {
	meta := map[string]any{
		"prompt":     req.Prompt,
		"locale":     middleware.LocaleFromContext(r.Context()),
		"request_id": middleware.RequestIDFromContext(r.Context()),
		"images":     len(video.FilterImages(req.Images)),
	}
	if c := middleware.CountryFromContext(r.Context()); c != "" {
		meta["country"] = c
	}
	if req.AspectRatio != "" {
		meta["aspect_ratio"] = req.AspectRatio
	}
	if req.Resolution != "" {
		meta["resolution"] = req.Resolution
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return raw
}
