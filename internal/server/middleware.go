package server

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into a 500 and logs it.
func recovery(log *zap.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						zap.Any("panic", r),
						zap.ByteString("path", ctx.Path()),
						zap.ByteString("method", ctx.Method()),
					)
					ctx.ResetBody()
					apierr.Write(ctx, fasthttp.StatusInternalServerError,
						"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
				}
			}()
			next(ctx)
		}
	}
}

// requestID echoes X-Request-ID, generating a UUID when the client sent
// none. Handlers read it from the "request_id" user value.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set(headerRequestID, id)
		ctx.SetUserValue(userValueRequestID, id)
		next(ctx)
	}
}

// timing sets X-Response-Time to the handler duration.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler allows every origin for nil or ["*"], otherwise only the
// listed ones. Preflight requests get 204 with no body.
func corsHandler(origins []string) middleware {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+headerClientID)

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] runs first:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// instrument tracks in-flight requests and records route latency.
func (s *Server) instrument(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.metrics.IncInFlight()
		defer func() {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}()
		next(ctx)
	}
}

// limited rejects requests over the configured RPM with 429. Limiter
// errors admit the request.
func (s *Server) limited(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.limiter == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		key := string(ctx.Request.Header.Peek(headerClientID))

		allowed, err := s.limiter.Allow(ctx, key)
		switch {
		case err != nil:
			s.metrics.RecordRateLimit("error")
		case !allowed:
			s.metrics.RecordRateLimit("blocked")
			s.log.Warn("rate_limit_exceeded",
				zap.String("request_id", requestIDOf(ctx)),
				zap.String("client", key),
				zap.ByteString("path", ctx.Path()),
			)
			apierr.WriteRateLimit(ctx, "")
			return
		default:
			s.metrics.RecordRateLimit("allowed")
		}
		next(ctx)
	}
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(userValueRequestID).(string)
	return id
}
