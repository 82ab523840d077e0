package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit allows limit requests per window for each client address, with a
// burst of limit. Mount it after chi's RealIP so proxied clients are keyed by
// their forwarded address. Idle clients are forgotten after a few windows.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	limit = max(limit, 1)
	every := rate.Every(per / time.Duration(limit))
	idle := 3 * per

	var mu sync.Mutex
	clients := make(map[string]*clientLimiter)
	lastSweep := time.Now()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			now := time.Now()

			mu.Lock()
			if now.Sub(lastSweep) > idle {
				for k, c := range clients {
					if now.Sub(c.lastSeen) > idle {
						delete(clients, k)
					}
				}
				lastSweep = now
			}
			c, ok := clients[key]
			if !ok {
				c = &clientLimiter{limiter: rate.NewLimiter(every, limit)}
				clients[key] = c
			}
			c.lastSeen = now
			res := c.limiter.ReserveN(now, 1)
			wait := res.DelayFrom(now)
			if wait > 0 {
				res.CancelAt(now)
			}
			mu.Unlock()

			if wait > 0 {
				secs := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the host part of RemoteAddr, or RemoteAddr itself when it
// carries no port.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
