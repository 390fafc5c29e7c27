package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"wslicense/pkg/contracts/domain"
)

// DefaultRateLimitClients bounds how many client limiters are remembered
const DefaultRateLimitClients = 10000

// ClientRateLimiter limits requests per caller IP. Limiters for the least
// recently seen callers are evicted once the table is full.
type ClientRateLimiter struct {
	name     string
	period   time.Duration
	burst    int
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	logger   *slog.Logger
}

// NewClientRateLimiter allows perMinute requests per caller, with bursts of
// up to perMinute.
func NewClientRateLimiter(name string, perMinute, maxClients int, logger *slog.Logger) (*ClientRateLimiter, error) {
	if maxClients <= 0 {
		maxClients = DefaultRateLimitClients
	}
	cache, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, err
	}
	if perMinute <= 0 {
		perMinute = math.MaxInt32
	}
	return &ClientRateLimiter{
		name:     name,
		period:   time.Minute / time.Duration(perMinute),
		burst:    perMinute,
		limiters: cache,
		logger:   logger,
	}, nil
}

func (l *ClientRateLimiter) limiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters.Get(client); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Every(l.period), l.burst)
	l.limiters.Add(client, lim)
	return lim
}

// Allow reports whether client may make a request now
func (l *ClientRateLimiter) Allow(client string) bool {
	return l.limiter(client).Allow()
}

// Handler rejects callers over their budget with 429 RATE_LIMITED
func (l *ClientRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientIP(r)
		if !l.Allow(client) {
			l.logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("limiter", l.name),
				slog.String("remote_ip", client),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
			WriteFailure(w, http.StatusTooManyRequests, domain.ErrCodeRateLimited, "Too many requests, please retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ClientRateLimiter) retryAfter() int {
	secs := int(math.Ceil(l.period.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
