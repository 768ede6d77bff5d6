package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/backend-caisse/internal/common"
	"github.com/noah-isme/backend-caisse/internal/obs"
)

// Config sets the key and bound of one limited route.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler limits requests per Config.Key. When the limiter itself fails the
// request is served and OnError is told.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

// RegisterKey scopes limits to the till named in the register header, or to
// the client address when the header is absent.
func RegisterKey(scope string) func(*http.Request) string {
	return func(r *http.Request) string {
		id := strings.TrimSpace(r.Header.Get(obs.RegisterHeader))
		if id == "" {
			id = common.ClientIP(r)
		}
		return scope + ":" + id
	}
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Config.Key == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		setLimitHeaders(w.Header(), max(h.Config.Max, 0), remaining, resetAt)
		if allowed {
			next.ServeHTTP(w, r)
			return
		}
		retryAfter := max(int(time.Until(resetAt).Seconds()), 0)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", map[string]any{"retryAfter": retryAfter})
	})
}

func setLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
