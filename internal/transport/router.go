package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/approval"
	"github.com/pitabwire/complement/internal/config"
	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/internal/visibility"
	"github.com/pitabwire/complement/model"
)

// BasePath is the prefix of every complementary request route.
const BasePath = "/v1/complementary-requests"

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Roles        RoleMapper
	Service      *approval.Service
	Engine       *visibility.Engine
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	approvers := []model.Role{model.RoleCoordinator, model.RoleController, model.RoleAdmin}

	r.Route(BasePath, func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths, deps.Roles))
		r.Use(RequireIdentity)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/", handleCreate(deps.Service))
		r.Get("/pending", handlePending(deps.Engine))
		r.Get("/history", handleHistory(deps.Engine))
		r.Get("/requester/{requesterId}", handleByRequester(deps.Engine))
		r.Get("/{id}", handleGet(deps.Service))
		r.Get("/{id}/events", handleEvents(deps.Service))

		r.With(RequireRole(model.RoleCoordinator, model.RoleAdmin)).
			Post("/{id}/coordinator/approve", handleCoordinatorApprove(deps.Service))
		r.With(RequireRole(model.RoleCoordinator, model.RoleAdmin)).
			Post("/{id}/coordinator/reject", handleCoordinatorReject(deps.Service))
		r.With(RequireRole(model.RoleController, model.RoleAdmin)).
			Post("/{id}/controller/approve", handleControllerApprove(deps.Service))
		r.With(RequireRole(model.RoleController, model.RoleAdmin)).
			Post("/{id}/controller/return", handleControllerReturn(deps.Service))
		r.With(RequireRole(approvers...)).
			Post("/{id}/reject", handleReject(deps.Service))
	})

	return r
}
