package app

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"lead-router/internal/common/logging"
	"lead-router/internal/handlers"
	"lead-router/internal/middleware"
	"lead-router/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes for the application. limiter may
// be nil; /health is never limited.
func SetupRoutes(router *mux.Router, h *handlers.Handlers, limiter *ratelimit.Limiter) {
	router.Use(middleware.Logging(logging.Component("http")))
	router.NotFoundHandler = methodAwareNotFound(router)

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	if limiter != nil && limiter.Enabled() {
		api.Use(limiter.Middleware(ratelimit.ClientKey))
	}
	api.HandleFunc("/metrics", h.GetMetrics).Methods(http.MethodGet)

	// Leads and routing
	api.HandleFunc("/leads", h.CreateLead).Methods(http.MethodPost)
	api.HandleFunc("/leads/route", h.RouteLeads).Methods(http.MethodPost)
	api.HandleFunc("/leads/{id}/route", h.RouteLead).Methods(http.MethodPost)

	// Retry queue
	api.HandleFunc("/queue/process", h.ProcessQueue).Methods(http.MethodPost)
	api.HandleFunc("/queue/depth", h.GetQueueDepth).Methods(http.MethodGet)
	api.HandleFunc("/queue/failed", h.ListFailedJobs).Methods(http.MethodGet)

	// Workspaces and rules
	api.HandleFunc("/workspaces", h.CreateWorkspace).Methods(http.MethodPost)
	api.HandleFunc("/workspaces/{id}", h.GetWorkspace).Methods(http.MethodGet)
	api.HandleFunc("/workspaces/{id}/rules", h.ListRules).Methods(http.MethodGet)
	api.HandleFunc("/workspaces/{id}/routing-stats", h.GetRoutingStats).Methods(http.MethodGet)
	api.HandleFunc("/rules", h.CreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}/active", h.SetRuleActive).Methods(http.MethodPut)
}

// methodAwareNotFound answers 405 with an Allow header when some route
// matches the path under another method. mux loses that state once a later
// route fails its path match, so the check is redone against every route.
func methodAwareNotFound(router *mux.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := allowedMethods(router, r.URL.Path)
		if len(allowed) == 0 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})
}

func allowedMethods(router *mux.Router, path string) []string {
	seen := map[string]bool{}
	_ = router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		expr, err := route.GetPathRegexp()
		if err != nil {
			return nil
		}
		re, err := regexp.Compile(expr)
		if err != nil || !re.MatchString(path) {
			return nil
		}
		for _, m := range methods {
			seen[m] = true
		}
		return nil
	})
	allowed := make([]string, 0, len(seen))
	for m := range seen {
		allowed = append(allowed, m)
	}
	sort.Strings(allowed)
	return allowed
}

// Handler builds the HTTP handler tree over the app's components.
func (app *App) Handler() http.Handler {
	h := handlers.New(app.Storage, app.Router, app.Processor, app.Breaker, app.Config.Dedupe.Bucket, logging.Component("http"))
	var limiter *ratelimit.Limiter
	if app.RedisClient != nil && app.Config.APIRateLimit > 0 {
		limiter = ratelimit.NewRedisLimiter(app.RedisClient, ratelimit.Config{
			Limit:  app.Config.APIRateLimit,
			Window: app.Config.APIRateWindow,
		}, logging.Component("ratelimit"))
	}

	router := mux.NewRouter()
	SetupRoutes(router, h, limiter)
	return router
}
