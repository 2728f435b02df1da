package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsforge/caseflow/internal/config"
	"github.com/opsforge/caseflow/internal/engine"
	"github.com/opsforge/caseflow/internal/observability"
)

// Roles allowed to cancel an instance.
var cancelRoles = []string{"admin", "manager", "supervisor"}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *engine.Engine
	Idempotency  engine.IdempotencyStore
	Authenticate func(http.Handler) http.Handler
	Health       *observability.HealthChecker
	Metrics      *observability.Metrics
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	// Public routes — bypass authentication.
	r.Get("/health", deps.Health.HandleHealth)
	r.Get("/ready", deps.Health.HandleReady)
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	idemTTL := deps.Config.Idempotency.DefaultTTL
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	var idem engine.IdempotencyStore
	if deps.Config.Idempotency.Enabled {
		idem = deps.Idempotency
	}

	// Authenticated routes — full middleware chain.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/workflows/{workflowID}/instances", handleInstanceStart(deps.Engine, idem, idemTTL))
		r.Get("/instances/{instanceID}", handleInstanceGet(deps.Engine))
		r.With(RequireAnyRole(cancelRoles...)).
			Post("/instances/{instanceID}/cancel", handleInstanceCancel(deps.Engine))

		r.Post("/tasks/{taskID}/complete", handleTaskComplete(deps.Engine))
		r.Post("/tasks/{taskID}/assign", handleTaskAssign(deps.Engine))
		r.Post("/tasks/{taskID}/skip", handleTaskSkip(deps.Engine))
		r.Get("/tasks/mine", handleMyTasks(deps.Engine))
	})

	return r
}
