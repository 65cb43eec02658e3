package httpx

import (
	"log/slog"
	"net/http"

	"github.com/project-theia/theia-api/internal/service"
)

// RouterServices groups the dependencies of the HTTP router.
type RouterServices struct {
	Jobs         *service.JobService
	Readiness    []ReadinessCheck
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter builds the job intake API.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /readyz", readinessHandler(services.Readiness))

	if services.Jobs != nil {
		registerJobRoutes(mux, &JobHandlers{
			Svc:    services.Jobs,
			Logger: logger.With("component", "http_jobs"),
		}, services.MaxBodyBytes)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errNotFound(r)})
	})

	return mux
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers, maxBody int64) {
	mux.Handle("POST /api/jobs", MaxBody(maxBody)(http.HandlerFunc(h.Submit)))
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/stats", h.Stats)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("GET /api/jobs/{id}/status", h.GetStatus)
	mux.HandleFunc("GET /api/jobs/{id}/result", h.GetResult)
	mux.HandleFunc("POST /api/jobs/{id}/retry", h.Retry)
}
