package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// Route names. The rate and body limits are chosen per named route.
const (
	routeSubmitTransaction = "submitTransaction"
	routeReceiveBlock      = "receiveBlock"
)

// rateClass groups routes that share a request budget per client address
type rateClass string

const (
	rateClassRead   rateClass = "read"
	rateClassSubmit rateClass = "submit"
	rateClassPeer   rateClass = "peer"
)

// limiterIdleTTL is how long an address may stay silent before its buckets are dropped
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per (class, address). Peers posting
// blocks and clients submitting transactions draw from separate budgets, so a
// busy client cannot starve block propagation from the same host.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute map[rateClass]int
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter with a per-minute budget for each class.
// A class without a positive budget is not limited.
func NewRateLimiter(perMinute map[rateClass]int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		entries:   make(map[string]*limiterEntry),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (node *ShardNode) newRateLimiter() *RateLimiter {
	return NewRateLimiter(map[rateClass]int{
		rateClassRead:   node.Config.RateLimitPerMinute,
		rateClassSubmit: node.Config.RateLimitPerMinute,
		rateClassPeer:   node.Config.PeerRateLimitPerMinute,
	})
}

// Allow takes one token from the bucket of (class, addr) and reports whether
// the request may proceed and how many tokens are left.
func (rl *RateLimiter) Allow(class rateClass, addr string) (bool, int) {
	perMinute := rl.perMinute[class]
	if perMinute <= 0 {
		return true, -1
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > limiterIdleTTL {
		rl.sweep(now)
	}

	key := string(class) + "|" + addr
	entry, exists := rl.entries[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)}
		rl.entries[key] = entry
	}
	entry.lastSeen = now

	allowed := entry.limiter.AllowN(now, 1)
	return allowed, int(entry.limiter.TokensAt(now))
}

// sweep drops buckets idle for longer than limiterIdleTTL. Caller holds mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, entry := range rl.entries {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(rl.entries, key)
		}
	}
	rl.lastSweep = now
}

// Len returns the number of live buckets
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		return route.GetName()
	}
	return ""
}

func routeRateClass(r *http.Request) rateClass {
	switch routeName(r) {
	case routeReceiveBlock:
		return rateClassPeer
	case routeSubmitTransaction:
		return rateClassSubmit
	default:
		return rateClassRead
	}
}

// rateLimitMiddleware applies the limiter to the class of the matched route
func (node *ShardNode) rateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddress(r, node.Config.TrustProxyHeaders)
			class := routeRateClass(r)

			allowed, remaining := limiter.Allow(class, addr)
			if remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			if !allowed {
				logger.Debug("Rate limit exceeded",
					"clientIp", addr,
					"class", string(class),
					"requestId", GetRequestID(r.Context()))
				WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddress returns the address a request is limited under. Forwarding
// headers are only honored behind a trusted proxy; otherwise any peer could
// pick its own bucket.
func clientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// maxTxWireBytes bounds one JSON encoded transaction: two identities, a
// signature, and the numeric fields with their keys.
const maxTxWireBytes = 2*MaxIdentityLength + MaxSignatureLength + 128

// blockEnvelopeBytes covers the block fields around the transaction list
const blockEnvelopeBytes = 1024

// maxBlockBodyBytes is the largest block a producer capped at maxTxs can send
func maxBlockBodyBytes(maxTxs int) int64 {
	return int64(maxTxs)*maxTxWireBytes + blockEnvelopeBytes
}

// bodyLimit returns the request body limit for the matched route. Block posts
// follow the block size cap; a transaction never needs more than one
// transaction's worth of bytes.
func (node *ShardNode) bodyLimit(r *http.Request) int64 {
	switch routeName(r) {
	case routeReceiveBlock:
		return maxBlockBodyBytes(node.Config.MaxTxsPerBlock)
	case routeSubmitTransaction:
		return min(node.Config.MaxBodySizeBytes, maxTxWireBytes)
	default:
		return node.Config.MaxBodySizeBytes
	}
}

// bodyLimitMiddleware caps the request body at the route's limit
func (node *ShardNode) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, node.bodyLimit(r))
		}
		next.ServeHTTP(w, r)
	})
}

// DecodeJSONBody decodes JSON body and handles max bytes errors appropriately
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
			return err
		}
		WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return err
	}
	return nil
}

// contextKey is the type of context keys set by this package
type contextKey string

const RequestIDContextKey contextKey = "requestID"

const maxRequestIDLength = 128

// RequestIDMiddleware generates a UUID for each request and adds it to context and response header
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// caller ids end up in logs, so anything unusual is replaced
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || !ValidateStringField(requestID, maxRequestIDLength) {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return id
	}
	return ""
}

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routeTemplate(r)
		method := r.Method
		status := strconv.Itoa(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)
	})
}

// routeTemplate returns the matched mux route template so path labels stay bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// statusResponseWriter wraps http.ResponseWriter to capture status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Validation helpers

// Field length limits
const (
	MaxIdentityLength  = 256
	MaxSignatureLength = 256
)

// ValidateStringField checks for max length and control characters
func ValidateStringField(s string, maxLength int) bool {
	if len(s) > maxLength {
		return false
	}
	return !ContainsControlCharacters(s)
}

// ContainsControlCharacters checks if a string contains control characters
func ContainsControlCharacters(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
