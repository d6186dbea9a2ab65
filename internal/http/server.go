package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"spendlog/internal/cache"
	"spendlog/internal/core"
	"spendlog/internal/services"
	"spendlog/internal/storage"
)

// ExpenseService is the application surface the handlers call into.
type ExpenseService interface {
	Write(ctx context.Context, owner, key string, e core.Expense) (core.Record, services.Outcome, error)
	Delete(ctx context.Context, owner string, id int64) (core.Record, bool, error)
	List(ctx context.Context, owner string, f storage.ListFilter) ([]core.Record, error)
	MonthSummary(ctx context.Context, owner string, year, month int) (storage.Summary, error)
}

type Server struct {
	http.Server
	service     ExpenseService
	auth        Authenticator
	rateLimiter *rateLimiter

	// Monthly summaries are cheap to recompute but hit on every dashboard
	// refresh; cache them briefly, invalidated on every mutation.
	summaryCache *cache.LRUCache[storage.Summary]

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, service ExpenseService, auth Authenticator) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		service:      service,
		auth:         auth,
		rateLimiter:  newRateLimiter(),
		summaryCache: cache.NewLRUCache[storage.Summary](100, 5*time.Minute),
	}

	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", handleReady)

	mux.HandleFunc("POST /api/expenses", s.withSecurityHeaders(s.withAuth(s.handleCreateExpense)))
	mux.HandleFunc("GET /api/expenses", s.withSecurityHeaders(s.withAuth(s.handleListExpenses)))
	mux.HandleFunc("GET /api/expenses/summary", s.withSecurityHeaders(s.withAuth(s.handleMonthSummary)))
	mux.HandleFunc("DELETE /api/expenses/{id}", s.withSecurityHeaders(s.withAuth(s.handleDeleteExpense)))

	return s
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// withSecurityHeaders adds security headers, rate limiting, and request logging to responses
func (s *Server) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Extract client IP (considering proxies)
		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		// Generate request ID for tracing
		requestID := generateRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"client_ip", clientIP,
			"user_agent", r.Header.Get("User-Agent"))

		// Apply rate limiting to mutating requests
		if (r.Method == http.MethodPost || r.Method == http.MethodDelete) && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded", "client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Create a custom response writer to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		// Log request completion
		duration := time.Since(start)
		slog.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"client_ip", clientIP)
	}
}

type requestIDKey struct{}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) summaryCacheKey(owner string, year, month int) string {
	return owner + "/" + strconv.Itoa(year) + "-" + strconv.Itoa(month)
}

func (s *Server) invalidateSummary(owner string, year, month int) {
	s.summaryCache.Delete(s.summaryCacheKey(owner, year, month))
}
