package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coldbell/millswap/backend/internal/apperr"
	"github.com/coldbell/millswap/backend/internal/builder"
	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/journal"
	"github.com/coldbell/millswap/backend/internal/metrics"
)

// BuildHistory lists journaled builds. It is nil when no journal is configured.
type BuildHistory interface {
	RecentBuilds(ctx context.Context, user string, limit int) ([]journal.BuildRecord, error)
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	builder          *builder.Service
	metrics          *metrics.Metrics
	history          BuildHistory
	limiter          *clientLimiter
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, builderSvc *builder.Service, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	if builderSvc == nil {
		return nil, apperr.Config("api-server needs a transaction builder")
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		builder:          builderSvc,
		metrics:          m,
		limiter:          newClientLimiter(cfg.ClientRateLimit, cfg.ClientRateBurst),
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

// SetHistory enables GET /builds.
func (s *Service) SetHistory(history BuildHistory) {
	s.history = history
}

func (s *Service) routes() (*http.ServeMux, map[string]struct{}) {
	mux := http.NewServeMux()
	known := make(map[string]struct{})
	handle := func(path string, handler http.HandlerFunc) {
		mux.HandleFunc(path, handler)
		known[path] = struct{}{}
	}

	handle("/healthz", s.handleHealth)
	handle("/metrics", s.metrics.Handler().ServeHTTP)
	handle("/graduation", s.handleGraduation)
	handle("/builds", s.handleBuilds)
	handle("/ws", s.handleWebsocket)

	handle("/quote-swap", postHandler(s, "quote_swap", s.builder.QuoteSwap))
	handle("/quote-liquidity", postHandler(s, "quote_liquidity", s.builder.QuoteLiquidity))
	handle("/build-swap", postHandler(s, "swap", s.builder.BuildSwap))
	handle("/build-pool-swap", postHandler(s, "pool_swap", s.builder.BuildPoolSwap))
	handle("/build-add-liquidity", postHandler(s, "add_liquidity", s.builder.BuildAddLiquidity))
	handle("/build-remove-liquidity", postHandler(s, "remove_liquidity", s.builder.BuildRemoveLiquidity))
	handle("/build-create-pool", postHandler(s, "create_pool", s.builder.BuildCreatePool))
	handle("/set-curve", postHandler(s, "set_curve", s.builder.BuildSetCurve))
	handle("/vesting", postHandler(s, "create_vesting", s.builder.BuildCreateVesting))
	handle("/vesting/release", postHandler(s, "release_vesting", s.builder.BuildReleaseVesting))
	handle("/vesting/status", postHandler(s, "vesting_status", s.builder.VestingStatus))
	handle("/markets", postHandler(s, "create_market", s.builder.BuildCreateMarket))
	handle("/free-market", postHandler(s, "free_market", s.builder.BuildFreeMarket))
	handle("/stake", postHandler(s, "stake", s.builder.BuildStake))
	return mux, known
}

// Handler returns the full middleware chain: metrics, CORS, rate limit, routes.
func (s *Service) Handler() http.Handler {
	mux, known := s.routes()
	return s.metrics.InstrumentHandler(known, s.withCORS(s.withRateLimit(mux)))
}

func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go s.limiter.sweepEvery(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"swap_authority", s.builder.AuthorityPublicKey().String(),
		"production", s.cfg.Production,
		"journal", s.history != nil,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, envelope{Success: true, Data: healthResponse{OK: true}})
}

// postHandler decodes a JSON body into Req, runs call under the request
// timeout and writes the result in the envelope.
func postHandler[Req any, Resp any](s *Service, operation string, call func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.respondMethodNotAllowed(w)
			return
		}
		var request Req
		if err := decodeJSONBody(r, &request); err != nil {
			s.metrics.ObserveBuild(operation, err)
			s.respondError(w, r, operation, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()
		response, err := call(ctx, request)
		s.metrics.ObserveBuild(operation, err)
		if err != nil {
			s.respondError(w, r, operation, err)
			return
		}
		s.respondJSON(w, http.StatusOK, envelope{Success: true, Data: response})
	}
}

func (s *Service) handleGraduation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	graduation, err := s.builder.Graduation(ctx, r.URL.Query().Get("market"))
	s.metrics.ObserveBuild("graduation", err)
	if err != nil {
		s.respondError(w, r, "graduation", err)
		return
	}
	s.respondJSON(w, http.StatusOK, envelope{Success: true, Data: graduation})
}

type buildsResponse struct {
	Items []journal.BuildRecord `json:"items"`
	Limit int                   `json:"limit"`
}

func (s *Service) handleBuilds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.history == nil {
		s.respondJSON(w, http.StatusNotFound, envelope{Error: "build journal is not configured"})
		return
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		s.respondError(w, r, "builds", apperr.Validation("user is required"))
		return
	}
	limit, err := parseOptionalInt(r, "limit", 50)
	if err != nil {
		s.respondError(w, r, "builds", apperr.Validation("%v", err))
		return
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	items, err := s.history.RecentBuilds(ctx, user, limit)
	if err != nil {
		s.logger.Error("list builds failed", "err", err)
		s.respondJSON(w, http.StatusInternalServerError, envelope{Error: "failed to list builds"})
		return
	}
	s.respondJSON(w, http.StatusOK, envelope{Success: true, Data: buildsResponse{Items: items, Limit: limit}})
}

func (s *Service) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.isOriginAllowed(origin)
			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		if !s.limiter.allow(key) {
			s.metrics.RateLimited()
			s.logger.Warn("rate limit exceeded", "client", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			s.respondJSON(w, http.StatusTooManyRequests, envelope{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondJSON(w, http.StatusMethodNotAllowed, envelope{Error: "method not allowed"})
}

// respondError maps err to its status. Internal failures hide their message in
// production; details carry the stack only outside production.
func (s *Service) respondError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	body := envelope{Error: err.Error()}
	if !s.cfg.Production {
		body.Details = apperr.Diagnostic(err)
	} else if kind == apperr.KindInternal {
		body.Error = "internal server error"
	}

	attrs := []any{"operation", operation, "path", r.URL.Path, "status", status, "kind", string(kind), "err", err}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Info("request rejected", attrs...)
	}
	s.respondJSON(w, status, body)
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
