package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"smartlibrary/internal/ratelimit"
	"smartlibrary/internal/util"
	"smartlibrary/pkg/domain"
	"smartlibrary/services/lending/internal/app"
	"smartlibrary/services/lending/internal/security"
)

const maxBodyBytes = 1 << 20

// ActorVerifier turns a bearer token into the calling actor.
type ActorVerifier interface {
	VerifyActor(token string) (domain.Actor, error)
}

// SweepTrigger runs one sweep on demand.
type SweepTrigger interface {
	Trigger(ctx context.Context) (app.SweepReport, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Verifier ActorVerifier
	Sweeps   SweepTrigger
	// BorrowLimiter is optional; nil disables borrow rate limiting.
	BorrowLimiter *ratelimit.FixedWindowLimiter
	// Alerter is optional; nil disables threshold alerts on audit events.
	Alerter        *security.AuditAlerter
	CORSOrigins    []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the lending service.
type Server struct {
	app           *app.App
	verifier      ActorVerifier
	sweeps        SweepTrigger
	borrowLimiter *ratelimit.FixedWindowLimiter
	alerter       *security.AuditAlerter
	corsOrigins   []string
	trusted       *util.TrustedProxies
	router        chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier required")
	}
	if cfg.Sweeps == nil {
		return nil, errors.New("sweep trigger required")
	}
	s := &Server{
		app:           cfg.App,
		verifier:      cfg.Verifier,
		sweeps:        cfg.Sweeps,
		borrowLimiter: cfg.BorrowLimiter,
		alerter:       cfg.Alerter,
		corsOrigins:   cfg.CORSOrigins,
		trusted:       cfg.TrustedProxies,
		router:        chi.NewRouter(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("lending", s.trusted, util.WithSecurityHeaders(util.WithCORS(s.corsOrigins)(s.router))))
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(middleware.CleanPath)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)

	// catalog reads are public
	r.Get("/api/books", s.handleListBooks)
	r.Get("/api/books/{id}", s.handleGetBook)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticated)

		r.Get("/api/users/me", s.handleGetProfile)
		r.Put("/api/users/me", s.handleSaveProfile)

		r.Post("/api/borrows", s.handleBorrow)
		r.Get("/api/borrows/my", s.handleMyBorrows)
		r.Get("/api/borrows/{id}", s.handleGetBorrow)
		r.Post("/api/borrows/{id}/return", s.handleReturn)

		r.Get("/api/penalties/my", s.handleMyPenalties)
		r.Post("/api/penalties/{id}/pay", s.handlePayPenalty)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/borrows", s.handleAdminBorrows)
			r.Post("/books", s.handleCreateBook)
			r.Patch("/books/{id}", s.handleUpdateBook)
			r.Delete("/books/{id}", s.handleDeleteBook)
			r.Get("/penalties", s.handleAdminPenalties)
			r.Get("/notifications", s.handleAdminNotifications)
			r.Post("/sweep", s.handleSweep)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type actorContextKey struct{}

func actorFromContext(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "lending.authorize", "fail", "reason", "missing_token")
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		actor, err := s.verifier.VerifyActor(token)
		if err != nil {
			s.audit(r, "lending.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", actor.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := actorFromContext(r.Context())
		if !actor.IsAdmin() {
			s.audit(r, "lending.admin.authorize", "fail", "user_id", actor.UserID, "reason", "forbidden")
			writeError(w, r, http.StatusForbidden, "LENDING_FORBIDDEN", "forbidden")
			return
		}
		s.audit(r, "lending.admin.authorize", "success", "user_id", actor.UserID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	if s.alerter == nil {
		return
	}
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert evaluation failed", "event", event, "err", err)
		return
	}
	if result.First {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// allowBorrow applies the per-user borrow limit. The limiter fails closed
// when Redis is unreachable.
func (s *Server) allowBorrow(w http.ResponseWriter, r *http.Request, actor domain.Actor) bool {
	if s.borrowLimiter == nil {
		return true
	}
	decision := s.borrowLimiter.Allow(r.Context(), "user:"+strconv.FormatInt(actor.UserID, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if decision.Allowed {
		return true
	}
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	s.audit(r, "lending.borrow.ratelimit", "rate_limited", "user_id", actor.UserID)
	writeError(w, r, http.StatusTooManyRequests, "LENDING_RATE_LIMITED", "too many borrow requests")
	return false
}

// catalog

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.ListBooks(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, books)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	book, err := s.app.GetBook(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var in app.BookInput
	if !decodeJSON(w, r, &in) {
		return
	}
	book, err := s.app.CreateBook(r.Context(), actorFromContext(r.Context()), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in app.BookInput
	if !decodeJSON(w, r, &in) {
		return
	}
	book, err := s.app.UpdateBook(r.Context(), actorFromContext(r.Context()), id, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.app.DeleteBook(r.Context(), actorFromContext(r.Context()), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// profile

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := s.app.GetProfile(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var in app.ProfileInput
	if !decodeJSON(w, r, &in) {
		return
	}
	user, err := s.app.SaveProfile(r.Context(), actorFromContext(r.Context()), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// loans

type borrowRequest struct {
	BookID int64 `json:"bookId"`
	Days   *int  `json:"days"`
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var req borrowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BookID <= 0 {
		writeError(w, r, http.StatusBadRequest, "LENDING_INVALID_ARGUMENT", "bookId is required")
		return
	}
	if !s.allowBorrow(w, r, actor) {
		return
	}
	days := s.app.DefaultLoanDays()
	if req.Days != nil {
		days = *req.Days
	}
	receipt, err := s.app.OpenLoan(r.Context(), actor.UserID, req.BookID, days)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleMyBorrows(w http.ResponseWriter, r *http.Request) {
	borrows, err := s.app.ListByUser(r.Context(), actorFromContext(r.Context()).UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, borrows)
}

func (s *Server) handleGetBorrow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	borrow, err := s.app.GetBorrow(r.Context(), id, actorFromContext(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, borrow)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	receipt, err := s.app.CloseLoan(r.Context(), id, actorFromContext(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleAdminBorrows(w http.ResponseWriter, r *http.Request) {
	borrows, err := s.app.ListAll(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, borrows)
}

// penalties

func (s *Server) handleMyPenalties(w http.ResponseWriter, r *http.Request) {
	penalties, err := s.app.ListPenaltiesByUser(r.Context(), actorFromContext(r.Context()).UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, penalties)
}

func (s *Server) handlePayPenalty(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	penalty, err := s.app.PayPenalty(r.Context(), id, actorFromContext(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, penalty)
}

func (s *Server) handleAdminPenalties(w http.ResponseWriter, r *http.Request) {
	penalties, err := s.app.ListPenalties(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, penalties)
}

// sweep and audit log

func (s *Server) handleAdminNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "LENDING_INVALID_ARGUMENT", "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.app.ListNotifications(r.Context(), actorFromContext(r.Context()), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, entries)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeps.Trigger(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "LENDING_INVALID_ARGUMENT", "invalid id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "LENDING_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromContext(r.Context()),
	})
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{app.ErrNotFound, http.StatusNotFound, "LENDING_NOT_FOUND"},
	{app.ErrInvalidArgument, http.StatusBadRequest, "LENDING_INVALID_ARGUMENT"},
	{app.ErrForbidden, http.StatusForbidden, "LENDING_FORBIDDEN"},
	{app.ErrOutOfStock, http.StatusConflict, "LENDING_OUT_OF_STOCK"},
	{app.ErrAlreadyReturned, http.StatusConflict, "LENDING_ALREADY_RETURNED"},
	{app.ErrAlreadyPaid, http.StatusConflict, "LENDING_ALREADY_PAID"},
	{app.ErrInUse, http.StatusConflict, "LENDING_BOOK_IN_USE"},
	{app.ErrDuplicateISBN, http.StatusConflict, "LENDING_DUPLICATE_ISBN"},
	{app.ErrDuplicateUsername, http.StatusConflict, "LENDING_DUPLICATE_USERNAME"},
	{app.ErrSweepInProgress, http.StatusConflict, "LENDING_SWEEP_IN_PROGRESS"},
	{app.ErrConflict, http.StatusConflict, "LENDING_CONFLICT"},
}

// writeAppError maps business errors to HTTP statuses. Anything unmapped
// is logged and reported as a generic 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			writeError(w, r, m.status, m.code, err.Error())
			return
		}
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	writeError(w, r, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// ListenAndServe runs srv until ctx is done, then drains in-flight
// requests for up to shutdownTimeout.
func ListenAndServe(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	slog.Info("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}
