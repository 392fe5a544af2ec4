package cfw

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for managing the firewall at runtime.
// It exposes routes for inspecting status and tracked connections,
// managing detection rules, switching the sensitive-data strategy,
// triggering rule reloads, and reading recent threat records.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. All endpoints return JSON.
type AdminAPI struct {
	// Firewall is the instance to manage.
	Firewall *Firewall

	// Rules is the active rule provider. Rule mutations require Extra
	// to be part of its loader chain.
	Rules *ReloadableRules

	// Extra holds rules added through the API. Wire it into the
	// Rules loader chain:
	//
	//	extra := &cfw.StaticLoader{}
	//	rules := cfw.NewReloadableRules(&cfw.MultiLoader{
	//	    Loaders: []cfw.RuleLoader{cfg.BuildRuleLoader(), extra},
	//	})
	Extra *StaticLoader

	// Sensitive is the data policy mutated by PUT /api/strategy.
	Sensitive *SensitiveFilter

	// Reporter serves GET /api/threats/recent.
	Reporter *ThreatReporter

	// Health serves /healthz and /readyz on the combined router.
	Health *HealthChecker

	// Metrics serves /metrics on the combined router.
	Metrics *Metrics

	// Auth, when set, requires a valid token on API and metrics routes.
	// Health probes stay open.
	Auth *TokenAuth

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// ReloadFunc is called when POST /api/reload is invoked. If nil,
	// rules are reloaded from their loader chain.
	ReloadFunc func(ctx context.Context) error

	mu     sync.Mutex
	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given firewall.
func NewAdminAPI(fw *Firewall) *AdminAPI {
	a := &AdminAPI{
		Firewall:   fw,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/connections", a.handleConnections)
	r.Get("/rules", a.handleListRules)
	r.Post("/rules", a.handleAddRule)
	r.Delete("/rules", a.handleDeleteRule)
	r.Put("/strategy", a.handleStrategy)
	r.Post("/reload", a.handleReload)
	r.Get("/threats/recent", a.handleRecentThreats)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi
// router after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// Routes returns the complete admin server handler: the API under
// PathPrefix plus health probes and Prometheus metrics when configured.
// When Auth is set, API and metrics routes require a token; health
// probes do not.
func (a *AdminAPI) Routes() http.Handler {
	guard := func(h http.Handler) http.Handler { return h }
	if a.Auth != nil {
		guard = a.Auth.Middleware
	}

	r := chi.NewRouter()
	if a.Health != nil {
		r.Get("/healthz", a.Health.HandleHealthz)
		r.Get("/readyz", a.Health.HandleReadyz)
	}
	if a.Metrics != nil {
		r.Handle("/metrics", guard(a.Metrics.Handler()))
	}
	r.Mount(a.PathPrefix, guard(a.Handler()))
	return r
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status      string       `json:"status"`
	Mode        string       `json:"mode"`
	Uptime      string       `json:"uptime,omitempty"`
	RuleCount   int          `json:"rule_count"`
	Connections TrackerStats `json:"connections"`
	Threats     *ThreatStats `json:"threats,omitempty"`
	CertsIssued int64        `json:"certs_issued"`
	CertsCached int          `json:"certs_cached"`
}

// ConnectionsResponse is returned by GET /api/connections.
type ConnectionsResponse struct {
	Count       int        `json:"count"`
	Connections []ConnInfo `json:"connections"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Count int    `json:"count"`
	Rules []Rule `json:"rules"`
}

// RuleRequest is the body for POST /api/rules and DELETE /api/rules.
type RuleRequest struct {
	Category string  `json:"category"`
	Label    string  `json:"label"`
	Pattern  string  `json:"pattern"`
	Weight   float64 `json:"weight,omitempty"`
	Provider string  `json:"provider,omitempty"`
	Risk     string  `json:"risk,omitempty"`
}

// StrategyRequest is the body for PUT /api/strategy.
type StrategyRequest struct {
	// Strategy is steganography, block, or silent_log.
	Strategy string `json:"strategy"`

	// Label scopes the change to one data family. Empty sets the
	// default strategy.
	Label string `json:"label,omitempty"`
}

// ThreatsResponse is returned by GET /api/threats/recent.
type ThreatsResponse struct {
	Count   int            `json:"count"`
	Threats []ThreatRecord `json:"threats"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: "ok"}

	if a.Firewall != nil {
		resp.Mode = string(a.Firewall.Mode)
		if up := a.Firewall.Uptime(); up > 0 {
			resp.Uptime = up.Truncate(time.Second).String()
		}
		if a.Firewall.Tracker != nil {
			resp.Connections = a.Firewall.Tracker.Stats()
		}
		if a.Firewall.CertManager != nil {
			resp.CertsIssued = a.Firewall.CertManager.Issued()
			resp.CertsCached = a.Firewall.CertManager.CacheLen()
		}
	}
	if a.Rules != nil {
		resp.RuleCount = a.Rules.Count()
	}
	if a.Reporter != nil {
		stats := a.Reporter.Stats()
		resp.Threats = &stats
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleConnections(w http.ResponseWriter, _ *http.Request) {
	var conns []ConnInfo
	if a.Firewall != nil && a.Firewall.Tracker != nil {
		conns = a.Firewall.Tracker.Connections()
	}
	if conns == nil {
		conns = []ConnInfo{}
	}
	a.writeJSON(w, http.StatusOK, ConnectionsResponse{Count: len(conns), Connections: conns})
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	if a.Rules == nil {
		a.writeJSON(w, http.StatusOK, RulesResponse{Count: 0, Rules: []Rule{}})
		return
	}
	rules := a.Rules.Current().Rules()
	a.writeJSON(w, http.StatusOK, RulesResponse{Count: len(rules), Rules: rules})
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if a.Rules == nil || a.Extra == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "rule management not configured"})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Category == "" || req.Label == "" || req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "category, label, and pattern are required"})
		return
	}

	rule := Rule{
		Category: Category(req.Category),
		Label:    req.Label,
		Pattern:  req.Pattern,
		Weight:   req.Weight,
		Provider: req.Provider,
		Risk:     req.Risk,
	}
	// Compile up front so a bad pattern is rejected here instead of
	// failing the next reload.
	if _, err := NewRuleSet([]Rule{rule}); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.mu.Lock()
	a.Extra.Rules = append(a.Extra.Rules, rule)
	a.mu.Unlock()

	if err := a.Rules.Load(r.Context()); err != nil {
		a.mu.Lock()
		a.Extra.Rules = a.Extra.Rules[:len(a.Extra.Rules)-1]
		a.mu.Unlock()
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "apply rule: " + err.Error()})
		return
	}

	a.Logger.Info("rule added via admin API", "category", req.Category, "label", req.Label)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "rule added"})
}

func (a *AdminAPI) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if a.Rules == nil || a.Extra == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "rule management not configured"})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Label == "" || req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "label and pattern are required"})
		return
	}

	a.mu.Lock()
	kept := a.Extra.Rules[:0]
	removed := 0
	for _, rule := range a.Extra.Rules {
		if rule.Label == req.Label && rule.Pattern == req.Pattern {
			removed++
			continue
		}
		kept = append(kept, rule)
	}
	a.Extra.Rules = kept
	a.mu.Unlock()

	if removed == 0 {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
		return
	}

	if err := a.Rules.Load(r.Context()); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "apply removal: " + err.Error()})
		return
	}

	a.Logger.Info("rule removed via admin API", "label", req.Label, "pattern", req.Pattern)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "rule removed"})
}

func (a *AdminAPI) handleStrategy(w http.ResponseWriter, r *http.Request) {
	if a.Sensitive == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "sensitive-data filter not configured"})
		return
	}

	var req StrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	strategy, err := ParseStrategy(req.Strategy)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if req.Label == "" {
		a.Sensitive.SetStrategy(strategy)
		a.Logger.Info("default strategy changed via admin API", "strategy", strategy.String())
	} else {
		a.Sensitive.SetOverride(req.Label, strategy)
		a.Logger.Info("strategy override set via admin API", "label", req.Label, "strategy", strategy.String())
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "strategy updated"})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	reload := a.ReloadFunc
	if reload == nil && a.Rules != nil {
		reload = a.Rules.Load
	}
	if reload == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := reload(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("rules reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) handleRecentThreats(w http.ResponseWriter, r *http.Request) {
	if a.Reporter == nil {
		a.writeJSON(w, http.StatusOK, ThreatsResponse{Count: 0, Threats: []ThreatRecord{}})
		return
	}

	n := 50
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "n must be a positive integer"})
			return
		}
		n = v
	}

	threats := a.Reporter.Recent(n)
	if threats == nil {
		threats = []ThreatRecord{}
	}
	a.writeJSON(w, http.StatusOK, ThreatsResponse{Count: len(threats), Threats: threats})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
