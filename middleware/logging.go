package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/appcontract/bridge"
)

// Logging returns an ASGI middleware that logs the request lifecycle using
// slog. It logs the start of each http scope and its completion, including
// the response status, duration and error outcome.
func Logging(logger *slog.Logger) func(bridge.ASGIApp) bridge.ASGIApp {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next bridge.ASGIApp) bridge.ASGIApp {
		return func(ctx context.Context, scope bridge.Scope, receive bridge.ReceiveFunc, send bridge.SendFunc) error {
			scopeType, _ := scope["type"].(string)
			if scopeType != "http" {
				return next(ctx, scope, receive, send)
			}

			method, _ := scope["method"].(string)
			path, _ := scope["path"].(string)
			start := time.Now()

			logger.InfoContext(ctx, "request started",
				slog.String("method", method),
				slog.String("path", path),
			)

			status := 0
			observing := func(ctx context.Context, msg bridge.Message) error {
				if t, _ := msg["type"].(string); t == "http.response.start" {
					if s, ok := msg["status"].(int); ok {
						status = s
					}
				}
				return send(ctx, msg)
			}

			err := next(ctx, scope, receive, observing)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "request failed",
					slog.String("method", method),
					slog.String("path", path),
					slog.Duration("duration", duration),
					slog.Any("error", err),
				)
			} else {
				logger.InfoContext(ctx, "request completed",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("status", status),
					slog.Duration("duration", duration),
				)
			}

			return err
		}
	}
}
