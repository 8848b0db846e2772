package bridge

import (
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Environ/Scope translation. Both directions are pure and synchronous; the
// adapters supply the wsgi.input reader and attach the back-references
// afterwards.

// EnvironFromScope maps an ASGI http scope to a WSGI environ. input becomes
// wsgi.input and errOut wsgi.errors. The scope is validated first; a
// malformed scope yields a ProtocolError.
func EnvironFromScope(scope Scope, input *BodyReader, errOut io.Writer) (Environ, error) {
	m, err := decodeScope(scope)
	if err != nil {
		return nil, err
	}
	return environFromModel(m, input, errOut), nil
}

func environFromModel(m *scopeModel, input *BodyReader, errOut io.Writer) Environ {
	serverName, serverPort := "localhost", "80"
	if m.Server != nil {
		serverName = m.Server.Host
		serverPort = strconv.Itoa(m.Server.Port)
	}

	env := Environ{
		"REQUEST_METHOD":    strings.ToUpper(m.Method),
		"SCRIPT_NAME":       m.RootPath,
		"PATH_INFO":         pathInfo(m),
		"QUERY_STRING":      latin1String(m.QueryString),
		"SERVER_PROTOCOL":   "HTTP/" + m.HTTPVersion,
		"SERVER_NAME":       serverName,
		"SERVER_PORT":       serverPort,
		"wsgi.url_scheme":   m.Scheme,
		"wsgi.input":        input,
		"wsgi.errors":       errOut,
		"wsgi.multithread":  true,
		"wsgi.multiprocess": false,
		"wsgi.run_once":     false,
	}

	if m.Client != nil {
		env["REMOTE_ADDR"] = m.Client.Host
		env["REMOTE_PORT"] = strconv.Itoa(m.Client.Port)
	}

	for _, h := range m.Headers {
		name := latin1String(h[0])
		value := latin1String(h[1])
		var key string
		switch strings.ToLower(name) {
		case "content-type":
			key = "CONTENT_TYPE"
		case "content-length":
			key = "CONTENT_LENGTH"
		default:
			key = "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		}
		if prev, ok := env[key].(string); ok {
			env[key] = prev + ", " + value
		} else {
			env[key] = value
		}
	}
	return env
}

// pathInfo derives PATH_INFO: the percent-decoded path relative to
// root_path, sourced from raw_path when present and the re-encoded path
// otherwise.
func pathInfo(m *scopeModel) string {
	var raw string
	if len(m.RawPath) > 0 {
		raw = latin1String(m.RawPath)
	} else {
		raw = (&url.URL{Path: m.Path}).EscapedPath()
	}
	decoded := percentDecode(raw)
	if m.RootPath != "" {
		decoded = strings.TrimPrefix(decoded, m.RootPath)
	}
	return decoded
}

// ScopeFromEnviron maps a WSGI environ to an ASGI http scope, reconstructing
// the lower-cased header sequence. Header ordering is by sorted environ key
// so the output is deterministic.
func ScopeFromEnviron(env Environ) (Scope, error) {
	method, _ := env["REQUEST_METHOD"].(string)
	if method == "" {
		return nil, protocolErrorf(SideServer, "environ missing REQUEST_METHOD")
	}

	scriptName, _ := env["SCRIPT_NAME"].(string)
	pathInfo, _ := env["PATH_INFO"].(string)
	path := scriptName + pathInfo

	proto, _ := env["SERVER_PROTOCOL"].(string)
	version := strings.TrimPrefix(proto, "HTTP/")
	if version == "" || version == proto {
		version = "1.1"
	}

	scheme, _ := env["wsgi.url_scheme"].(string)
	if scheme == "" {
		scheme = "http"
	}

	queryString, _ := env["QUERY_STRING"].(string)

	scope := Scope{
		"type":         "http",
		"http_version": version,
		"method":       strings.ToUpper(method),
		"scheme":       scheme,
		"path":         path,
		"raw_path":     latin1Bytes((&url.URL{Path: path}).EscapedPath()),
		"query_string": latin1Bytes(queryString),
		"root_path":    scriptName,
		"headers":      headersFromEnviron(env),
	}

	serverName, _ := env["SERVER_NAME"].(string)
	if serverName == "" {
		serverName = "localhost"
	}
	serverPort := 80
	if p, _ := env["SERVER_PORT"].(string); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			serverPort = n
		}
	}
	scope["server"] = Addr{Host: serverName, Port: serverPort}

	if addr, _ := env["REMOTE_ADDR"].(string); addr != "" {
		port := 0
		if p, _ := env["REMOTE_PORT"].(string); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				port = n
			}
		}
		scope["client"] = Addr{Host: addr, Port: port}
	}

	return scope, nil
}

func headersFromEnviron(env Environ) [][2][]byte {
	var headers [][2][]byte
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var name string
		switch {
		case k == "CONTENT_TYPE":
			name = "content-type"
		case k == "CONTENT_LENGTH":
			name = "content-length"
		case strings.HasPrefix(k, "HTTP_"):
			name = strings.ToLower(strings.ReplaceAll(k[len("HTTP_"):], "_", "-"))
		default:
			continue
		}
		value, _ := env[k].(string)
		headers = append(headers, [2][]byte{latin1Bytes(name), latin1Bytes(value)})
	}
	return headers
}

// latin1String decodes bytes as ISO-8859-1, mapping each byte to the code
// point of the same value. A plain string conversion would reinterpret the
// bytes as UTF-8.
func latin1String(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// latin1Bytes encodes a string as ISO-8859-1. Code points above U+00FF are
// replaced with '?' rather than silently truncated.
func latin1Bytes(s string) []byte {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			r = '?'
		}
		b = append(b, byte(r))
	}
	return b
}

// percentDecode decodes %XX escapes byte-wise (including %2F), leaving
// malformed escapes literal. Unlike url.PathUnescape it never fails.
func percentDecode(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				sb.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
