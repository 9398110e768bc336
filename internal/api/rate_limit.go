package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// withRateLimit charges cost tokens to the caller's bucket for route. The
// caller is the gateway user when present, otherwise the client address.
func (s *Server) withRateLimit(route string, cost int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.rateLimiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := s.userID(r)
			if subject == "" {
				subject = "ip:" + clientHost(r.RemoteAddr)
			}
			subject = subject + ":" + route

			decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
			if err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"subject": subject,
				}).Warn("rate limiter check failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
