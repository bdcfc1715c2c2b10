package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"recruiter-outreach-scheduler/internal/listactions"
	"recruiter-outreach-scheduler/internal/ratelimit"
	"recruiter-outreach-scheduler/internal/telemetry"
)

const (
	requestIDHeader = "X-Request-ID"
	userIDHeader    = "X-User-ID"
	userRoleHeader  = "X-User-Role"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	principalKey
)

// requestID propagates X-Request-ID or assigns a fresh one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r)
	})
}

// accessLog attaches a request-scoped logger and writes one line per request,
// at warn for 4xx and error for 5xx.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := log.With().
			Str("request_id", w.Header().Get(requestIDHeader)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_ip", r.RemoteAddr).
			Logger()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey, &l)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := l.With().Int("status", status).Dur("latency", time.Since(start)).Int("bytes_out", ww.BytesWritten()).Logger()
		if route := chi.RouteContext(r.Context()); route != nil && route.RoutePattern() != "" {
			ev = ev.With().Str("route", route.RoutePattern()).Logger()
		}
		switch {
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	})
}

// recovery turns a panic into a JSON 500.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				loggerFrom(r).Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("panic recovered")
				fail(w, r, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggerFrom(r *http.Request) *zerolog.Logger {
	if l, ok := r.Context().Value(loggerKey).(*zerolog.Logger); ok {
		return l
	}
	l := log.With().Logger()
	return &l
}

// authenticate reads the principal resolved by the gateway.
func authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(userIDHeader), 10, 64)
		if err != nil || id <= 0 {
			fail(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid "+userIDHeader)
			return
		}
		p := listactions.Principal{ID: id, Role: r.Header.Get(userRoleHeader)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func principalFrom(r *http.Request) listactions.Principal {
	p, _ := r.Context().Value(principalKey).(listactions.Principal)
	return p
}

// rateLimit spends one token per request from the caller's bucket.
func rateLimit(limiter *ratelimit.TokenBucket) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			allowed, _, err := limiter.Allow(r.Context(), principalFrom(r).Actor())
			if err != nil {
				loggerFrom(r).Error().Err(err).Msg("rate limit")
				fail(w, r, http.StatusInternalServerError, ErrCodeInternal, "rate limit error")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				fail(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
