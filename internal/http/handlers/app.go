package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"orchestrator/internal/orchestrator"
)

// Dispatcher submits generation jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req orchestrator.DispatchRequest) (*orchestrator.JobHandle, error)
}

// Poller relays provider job status for a user.
type Poller interface {
	PollFor(ctx context.Context, userID, jobID string) (*orchestrator.ProviderStatus, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type App struct {
	Dispatcher Dispatcher
	Poller     Poller
	Logger     zerolog.Logger
	Checks     []Check

	validate *validator.Validate
}

func NewApp(dispatcher Dispatcher, poller Poller, logger zerolog.Logger, checks ...Check) *App {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &App{
		Dispatcher: dispatcher,
		Poller:     poller,
		Logger:     logger,
		Checks:     checks,
		validate:   validate,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// raw relays a provider body byte for byte.
func (a *App) raw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
	Status  int    `json:"status"`
}

var errorLabels = map[orchestrator.Kind]string{
	orchestrator.KindInsufficientCredits:  "InsufficientCredits",
	orchestrator.KindProviderRejected:     "ProviderError",
	orchestrator.KindProviderUnreachable:  "ProviderUnreachable",
	orchestrator.KindConfigurationMissing: "ConfigurationError",
	orchestrator.KindMalformedResponse:    "MalformedResponse",
	orchestrator.KindInvalidRequest:       "InvalidRequest",
	orchestrator.KindDuplicateRequest:     "DuplicateRequest",
	orchestrator.KindInternal:             "InternalError",
}

// error writes {"error","details","status"}. A JSON provider body is
// embedded as is; anything else is sent as a string.
func (a *App) error(w http.ResponseWriter, err error) {
	oe := orchestrator.AsError(err)
	status := oe.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	resp := errorResponse{Error: errorLabels[oe.Kind], Status: status}
	if resp.Error == "" {
		resp.Error = string(oe.Kind)
	}
	switch {
	case len(oe.Details) > 0 && json.Valid(oe.Details):
		resp.Details = json.RawMessage(oe.Details)
	case len(oe.Details) > 0:
		resp.Details = string(oe.Details)
	case oe.Kind == orchestrator.KindInternal:
		resp.Details = http.StatusText(status)
	default:
		resp.Details = oe.Message
	}
	a.json(w, status, resp)
}
