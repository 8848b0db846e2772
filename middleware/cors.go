package middleware

import (
	"context"
	"strconv"
	"strings"

	"github.com/appcontract/bridge"
)

// CORSConfig holds the configuration for the CORS middleware.
type CORSConfig struct {
	// AllowOrigins is a list of origins a cross-domain request can be
	// executed from. If the list contains "*", all origins are allowed.
	// Default: ["*"]
	AllowOrigins []string

	// AllowMethods is a list of methods the client is allowed to use.
	// Default: ["GET", "POST", "OPTIONS"]
	AllowMethods []string

	// AllowHeaders is a list of headers the client is allowed to use.
	// Default: ["Content-Type", "Authorization"]
	AllowHeaders []string

	// ExposeHeaders indicates which headers are safe to expose.
	// Default: []
	ExposeHeaders []string

	// AllowCredentials indicates whether the request can include credentials.
	// Default: false
	AllowCredentials bool

	// MaxAge indicates how long (in seconds) the results of a preflight
	// request can be cached. Default: 0 (not set)
	MaxAge int
}

// CORSAllowAll is a permissive CORS configuration suitable for development.
var CORSAllowAll *CORSConfig = nil

// CORS returns an ASGI middleware that answers preflight requests and adds
// CORS headers to the response start message.
func CORS(cfg *CORSConfig) func(bridge.ASGIApp) bridge.ASGIApp {
	if cfg == nil {
		cfg = &CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Authorization"},
		}
	}

	allowedOrigins := cfg.AllowOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	allowedMethods := cfg.AllowMethods
	if len(allowedMethods) == 0 {
		allowedMethods = []string{"GET", "POST", "OPTIONS"}
	}

	allowedHeaders := cfg.AllowHeaders
	if len(allowedHeaders) == 0 {
		allowedHeaders = []string{"Content-Type", "Authorization"}
	}

	allowedMethodsStr := strings.Join(allowedMethods, ", ")
	allowedHeadersStr := strings.Join(allowedHeaders, ", ")
	exposedHeadersStr := strings.Join(cfg.ExposeHeaders, ", ")
	wildcard := contains(allowedOrigins, "*")

	return func(next bridge.ASGIApp) bridge.ASGIApp {
		return func(ctx context.Context, scope bridge.Scope, receive bridge.ReceiveFunc, send bridge.SendFunc) error {
			scopeType, _ := scope["type"].(string)
			if scopeType != "http" {
				return next(ctx, scope, receive, send)
			}

			origin := headerValue(scope, "origin")

			allowed := wildcard
			if !allowed && origin != "" {
				allowed = contains(allowedOrigins, origin)
			}

			var extra [][2][]byte
			if allowed {
				// The CORS spec forbids Access-Control-Allow-Origin: * together
				// with Access-Control-Allow-Credentials: true; echo the
				// requesting origin in that case.
				switch {
				case origin != "" && !wildcard:
					extra = appendHeader(extra, "access-control-allow-origin", origin)
				case origin != "" && cfg.AllowCredentials:
					extra = appendHeader(extra, "access-control-allow-origin", origin)
				default:
					extra = appendHeader(extra, "access-control-allow-origin", "*")
				}
				if cfg.AllowCredentials {
					extra = appendHeader(extra, "access-control-allow-credentials", "true")
				}
			}

			method, _ := scope["method"].(string)
			if strings.EqualFold(method, "OPTIONS") {
				extra = appendHeader(extra, "access-control-allow-methods", allowedMethodsStr)
				extra = appendHeader(extra, "access-control-allow-headers", allowedHeadersStr)
				if exposedHeadersStr != "" {
					extra = appendHeader(extra, "access-control-expose-headers", exposedHeadersStr)
				}
				if cfg.MaxAge > 0 {
					extra = appendHeader(extra, "access-control-max-age", strconv.Itoa(cfg.MaxAge))
				}
				if err := send(ctx, bridge.Message{
					"type":    "http.response.start",
					"status":  204,
					"headers": extra,
				}); err != nil {
					return err
				}
				return send(ctx, bridge.Message{
					"type":      "http.response.body",
					"body":      []byte{},
					"more_body": false,
				})
			}

			injecting := func(ctx context.Context, msg bridge.Message) error {
				if t, _ := msg["type"].(string); t == "http.response.start" && len(extra) > 0 {
					headers, _ := msg["headers"].([][2][]byte)
					msg["headers"] = append(headers, extra...)
				}
				return send(ctx, msg)
			}

			return next(ctx, scope, receive, injecting)
		}
	}
}

// headerValue returns the first value of a scope header, by lower-case name.
func headerValue(scope bridge.Scope, name string) string {
	headers, _ := scope["headers"].([][2][]byte)
	for _, h := range headers {
		if strings.EqualFold(string(h[0]), name) {
			return string(h[1])
		}
	}
	return ""
}

func appendHeader(headers [][2][]byte, name, value string) [][2][]byte {
	return append(headers, [2][]byte{[]byte(name), []byte(value)})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
