package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/approval"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/engine"
	"github.com/stewardlabs/veract/pkg/ledger"
)

const maxBodyBytes = 1 << 20

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Server exposes the lifecycle engine over HTTP.
type Server struct {
	engine   *engine.Engine
	auth     *Authenticator
	limiter  *GlobalRateLimiter
	idem     IdempotencyStorer
	validate *validator.Validate
	logger   *zap.Logger
}

// ServerOptions configures the HTTP surface. Zero values get sensible
// development defaults.
type ServerOptions struct {
	Auth           *Authenticator
	RateLimitRPS   int
	RateLimitBurst int
	IdempotencyTTL time.Duration
	Logger         *zap.Logger
}

// NewServer wires the engine behind the HTTP API.
func NewServer(eng *engine.Engine, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator("", "")
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 2 * opts.RateLimitRPS
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Server{
		engine:   eng,
		auth:     opts.Auth,
		limiter:  NewGlobalRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		idem:     NewIdempotencyStore(opts.IdempotencyTTL),
		validate: validator.New(),
		logger:   opts.Logger,
	}
}

// Router builds the route tree. Health and metrics are public; everything
// under /api/v1 requires an authenticated identity.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(IdempotencyMiddleware(s.idem))

		r.Route("/actions", func(r chi.Router) {
			r.Post("/", s.handlePropose)
			r.Get("/", s.handleListActions)
			r.Post("/propose-execute", s.handleProposeExecute)
			r.Route("/{actionID}", func(r chi.Router) {
				r.Get("/", s.handleGetAction)
				r.Post("/decision", s.handleDecision)
				r.Post("/execute", s.handleExecute)
				r.Get("/events", s.handleEvents)
				r.Get("/runs", s.handleRuns)
				r.Get("/verify", s.handleVerifyChain)
			})
		})
		r.Get("/evidence/{entity}/{period}", s.handleEvidence)
		r.Get("/ledger/verify", s.handleVerifyLedger)
	})

	return r
}

type proposeRequest struct {
	Type    string          `json:"type" validate:"required"`
	Entity  string          `json:"entity" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Note     string `json:"note" validate:"omitempty,max=2000"`
}

type listResponse struct {
	Actions []contracts.Action `json:"actions"`
	Count   int                `json:"count"`
}

type eventsResponse struct {
	Events []contracts.AuditEvent `json:"events"`
	Count  int                    `json:"count"`
}

type runsResponse struct {
	Runs  []contracts.ActionRun `json:"runs"`
	Count int                   `json:"count"`
}

type executionResponse struct {
	Action *contracts.Action    `json:"action"`
	Run    *contracts.ActionRun `json:"run"`
}

type ledgerVerifyResponse struct {
	Valid  bool                   `json:"valid"`
	Chains []*ledger.VerifyResult `json:"chains"`
}

// handlePropose accepts a proposal and runs it through policy. A denied
// proposal is still a 201: the decision is attached to the returned action,
// not raised as an error.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "no authenticated identity")
		return
	}
	var req proposeRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, err := s.engine.ProposeAction(r.Context(), engine.ProposeRequest{
		Type:     req.Type,
		Entity:   req.Entity,
		Payload:  req.Payload,
		Proposer: identity,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/actions/"+action.ID)
	s.writeJSON(w, http.StatusCreated, action)
}

// handleProposeExecute runs the full propose, check, execute pipeline. The
// pipeline stops with a problem document when policy denies or an approval
// gate intervenes; the created action's ID rides in the problem details.
func (s *Server) handleProposeExecute(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "no authenticated identity")
		return
	}
	var req proposeRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, run, err := s.engine.ProposeAndExecute(r.Context(), engine.ProposeRequest{
		Type:     req.Type,
		Entity:   req.Entity,
		Payload:  req.Payload,
		Proposer: identity,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, executionResponse{Action: action, Run: run})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "no authenticated identity")
		return
	}
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, err := s.engine.ApproveAction(r.Context(), chi.URLParam(r, "actionID"), identity, approval.Decision(req.Decision), req.Note)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "no authenticated identity")
		return
	}
	run, err := s.engine.ExecuteAction(r.Context(), chi.URLParam(r, "actionID"), identity)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := s.engine.GetAction(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := actionstore.Filter{
		Entity:       q.Get("entity"),
		Period:       q.Get("period"),
		Type:         q.Get("type"),
		Status:       contracts.ActionStatus(q.Get("status")),
		EvidenceOnly: q.Get("evidence_only") == "true",
	}
	actions, err := s.engine.ListActions(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse{Actions: actions, Count: len(actions)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	if _, err := s.engine.GetAction(r.Context(), actionID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	events, err := s.engine.ActionEvents(r.Context(), actionID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	if _, err := s.engine.GetAction(r.Context(), actionID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	runs, err := s.engine.ActionRuns(r.Context(), actionID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.VerifyActionChain(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	period := chi.URLParam(r, "period")
	if !periodPattern.MatchString(period) {
		WriteBadRequest(w, r, "period must be formatted YYYY-MM")
		return
	}
	appendix, err := s.engine.CollectEvidence(r.Context(), entity, period)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, appendix)
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.VerifyLedger(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	valid := true
	for _, res := range results {
		if !res.Valid {
			valid = false
			break
		}
	}
	s.writeJSON(w, http.StatusOK, ledgerVerifyResponse{Valid: valid, Chains: results})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads, parses, and validates a JSON request body. It writes the
// problem document itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteBadRequest(w, r, "malformed request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		WriteBadRequest(w, r, validationDetail(err))
		return false
	}
	return true
}

// validationDetail flattens validator errors into a single human-readable
// sentence for the problem document.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "request failed validation"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}
