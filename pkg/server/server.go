package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/graph"
)

// Plans is the part of the plan manager exposed over HTTP.
type Plans interface {
	GetPlan(ctx context.Context, id string) (*engine.MigrationPlan, error)
	StartPlan(ctx context.Context, id string) error
	PausePlan(ctx context.Context, id string) error
	FinishPlan(ctx context.Context, id string) error
	GetDeliveryPlan(ctx context.Context, id string) (*engine.DeliveryPlan, error)
	StartDelivery(ctx context.Context, id string) error
	NotifyAvailable(ctx context.Context, key string)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config for the HTTP handler.
type Config struct {
	Plans  Plans
	Health HealthChecker

	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	Logger zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot pause plan in status new"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the {"error": {...}} envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler of the notification and plan control API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Plans == nil {
		return nil, errors.New("server requires a plan manager")
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			messages := make([]string, 0, len(errs))
			for _, err := range errs {
				messages = append(messages, err.Error())
			}
			details = map[string]any{"errors": messages}
		}
		return newAPIError(status, "", msg, details)
	}

	logger := cfg.Logger.With().Str("component", "server").Logger()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))

	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, cfg.Metrics)
	}

	hcfg := huma.DefaultConfig("Preservo API", "1.0.0")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api, cfg.Health)
	v1 := huma.NewGroup(api, "/v1")
	registerNotifications(v1, cfg.Plans, logger)
	registerPlans(v1, cfg.Plans)
	registerDeliveries(v1, cfg.Plans)

	return router, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Request served")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine and graph errors to HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := strings.ToLower(engine.ErrorCode(err))
	switch {
	case errors.Is(err, engine.ErrPlanNotFound), errors.Is(err, engine.ErrPathNotFound),
		errors.Is(err, graph.ErrObjectNotFound), errors.Is(err, graph.ErrMigrationNotFound):
		return newAPIError(http.StatusNotFound, code, err.Error(), nil)
	case errors.Is(err, engine.ErrNotAuthorized):
		return newAPIError(http.StatusForbidden, code, err.Error(), nil)
	case engine.IsConflict(err):
		return newAPIError(http.StatusConflict, code, err.Error(), nil)
	case engine.IsPermanent(err):
		return newAPIError(http.StatusBadRequest, code, err.Error(), nil)
	case engine.IsTransient(err):
		return newAPIError(http.StatusServiceUnavailable, code, err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type statusBody struct {
	Body map[string]string `json:"body"`
}

func registerHealth(api huma.API, health HealthChecker) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*statusBody, error) {
		if health != nil {
			if err := health.HealthCheck(ctx); err != nil {
				return nil, newAPIError(http.StatusServiceUnavailable, "unhealthy", err.Error(), nil)
			}
		}
		return &statusBody{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerNotifications(api huma.API, plans Plans, logger zerolog.Logger) {
	type notifyInput struct {
		Body struct {
			Key string `json:"key" minLength:"1" doc:"Object identifier or service token that became available"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "notify-available",
		Method:        http.MethodPost,
		Path:          "/notifications/available",
		Summary:       "Report an object or service result as available",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *notifyInput) (*statusBody, error) {
		key := strings.TrimSpace(input.Body.Key)
		if key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "key is required", nil)
		}
		logger.Debug().Str("key", key).Msg("Availability notification received")
		// The request context ends with the response; restarted plans must not.
		plans.NotifyAvailable(context.WithoutCancel(ctx), key)
		return &statusBody{Body: map[string]string{"key": key, "status": "accepted"}}, nil
	})
}

type idPath struct {
	ID string `path:"id"`
}

type planBody struct {
	Body planView `json:"body"`
}

type planView struct {
	Plan   *engine.MigrationPlan     `json:"plan"`
	Counts map[engine.ItemStatus]int `json:"counts"`
}

func viewOf(p *engine.MigrationPlan) planView {
	return planView{Plan: p, Counts: p.ItemCounts()}
}

func registerPlans(api huma.API, plans Plans) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{id}",
		Summary:     "Get a migration plan",
	}, func(ctx context.Context, input *idPath) (*planBody, error) {
		p, err := plans.GetPlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &planBody{Body: viewOf(p)}, nil
	})

	actions := []struct {
		name    string
		summary string
		fn      func(context.Context, string) error
	}{
		{"start", "Start or resume a migration plan", plans.StartPlan},
		{"pause", "Pause a running migration plan", plans.PausePlan},
		{"finish", "Finish a migration plan", plans.FinishPlan},
	}
	for _, a := range actions {
		fn := a.fn
		huma.Register(api, huma.Operation{
			OperationID: a.name + "-plan",
			Method:      http.MethodPost,
			Path:        "/plans/{id}/" + a.name,
			Summary:     a.summary,
		}, func(ctx context.Context, input *idPath) (*planBody, error) {
			// Plans outlive the request that started them.
			if err := fn(context.WithoutCancel(ctx), input.ID); err != nil {
				return nil, handleError(err)
			}
			p, err := plans.GetPlan(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &planBody{Body: viewOf(p)}, nil
		})
	}
}

func registerDeliveries(api huma.API, plans Plans) {
	type deliveryBody struct {
		Body *engine.DeliveryPlan `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-delivery",
		Method:      http.MethodGet,
		Path:        "/deliveries/{id}",
		Summary:     "Get a delivery plan",
	}, func(ctx context.Context, input *idPath) (*deliveryBody, error) {
		d, err := plans.GetDeliveryPlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliveryBody{Body: d}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "start-delivery",
		Method:      http.MethodPost,
		Path:        "/deliveries/{id}/start",
		Summary:     "Start a delivery plan",
	}, func(ctx context.Context, input *idPath) (*deliveryBody, error) {
		if err := plans.StartDelivery(context.WithoutCancel(ctx), input.ID); err != nil {
			return nil, handleError(err)
		}
		d, err := plans.GetDeliveryPlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliveryBody{Body: d}, nil
	})
}
