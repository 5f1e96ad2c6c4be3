package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"opinions.market/internal/auth"
	"opinions.market/internal/events"
	"opinions.market/internal/market"
	"opinions.market/internal/obs"
)

const serviceName = "marketd"

// readinessChecker reports whether the process can serve traffic.
type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks the store and that the market has been initialized.
type ReadyProbe struct {
	Engine *market.Engine
	Store  interface{ Check(context.Context) error }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Check(ctx); err != nil {
			return err
		}
	}
	if rp.Engine == nil {
		return nil
	}
	if err := rp.Engine.Ping(ctx); err != nil {
		return err
	}
	_, err := rp.Engine.Config(ctx)
	return err
}

// API is the HTTP layer over the market engine.
type API struct {
	router     *mux.Router
	eng        *market.Engine
	tokens     *auth.Tokens
	stream     *events.Bus
	readyProbe readinessChecker
	version    string

	rateBurst   int
	ratePerSec  int
	maxBody     int64
	corsOrigins []string
}

// Option customises an API.
type Option func(*API)

// WithTokens enables bearer authentication on operator routes.
func WithTokens(t *auth.Tokens) Option { return func(a *API) { a.tokens = t } }

// WithStream exposes committed events on /v1/events.
func WithStream(b *events.Bus) Option { return func(a *API) { a.stream = b } }

func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

func New(eng *market.Engine, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		router:     mux.NewRouter(),
		eng:        eng,
		readyProbe: rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	// reads
	r.HandleFunc("/v1/config", a.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/v1/posts/{id}", a.getPost).Methods(http.MethodGet)
	r.HandleFunc("/v1/posts/{id}/payouts", a.listPayouts).Methods(http.MethodGet)
	r.HandleFunc("/v1/posts/{id}/payouts/{mint}", a.getPayout).Methods(http.MethodGet)
	r.HandleFunc("/v1/posts/{id}/positions/{voter}", a.getPosition).Methods(http.MethodGet)
	r.HandleFunc("/v1/posts/{id}/pots/{mint}", a.getPot).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{id}", a.getUser).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{id}/vaults/{mint}", a.getVault).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{id}/claims/{post}/{mint}", a.getClaim).Methods(http.MethodGet)
	r.HandleFunc("/v1/payments/{id}", a.getPayment).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}/{key}", a.getSession).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", a.Stream).Methods(http.MethodGet)

	// permissionless upkeep, run by operators
	r.Handle("/v1/posts/{id}/settle", a.requireRole(auth.RoleOperator, a.settlePost)).Methods(http.MethodPost)
	r.Handle("/v1/posts/{id}/distributions/{fee}", a.requireRole(auth.RoleOperator, a.distribute)).Methods(http.MethodPost)
	r.Handle("/v1/journal", a.requireRole(auth.RoleOperator, a.listJournal)).Methods(http.MethodGet)

	// admin
	r.Handle("/v1/payments", a.requireRole(auth.RoleAdmin, a.registerPayment)).Methods(http.MethodPost)
	r.Handle("/v1/payments/{id}/status", a.requireRole(auth.RoleAdmin, a.setPaymentStatus)).Methods(http.MethodPost)
	r.Handle("/v1/posts/{id}/forced-outcome", a.requireRole(auth.RoleAdmin, a.setForcedOutcome)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.eng != nil {
		info["clock"] = a.eng.Now()
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
