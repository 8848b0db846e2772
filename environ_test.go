package bridge

import (
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testScope(overrides Scope) Scope {
	scope := Scope{
		"type":         "http",
		"http_version": "1.1",
		"method":       "GET",
		"scheme":       "http",
		"path":         "/",
		"query_string": []byte{},
		"root_path":    "",
		"headers":      [][2][]byte{},
		"server":       Addr{Host: "localhost", Port: 80},
	}
	for k, v := range overrides {
		scope[k] = v
	}
	return scope
}

func TestEnvironFromScope_Basics(t *testing.T) {
	scope := testScope(Scope{
		"method":       "get",
		"path":         "/a b",
		"raw_path":     []byte("/a%20b"),
		"query_string": []byte("q=1"),
		"server":       Addr{Host: "example.com", Port: 8000},
		"client":       Addr{Host: "10.0.0.1", Port: 51337},
		"scheme":       "https",
	})

	env, err := EnvironFromScope(scope, nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"REQUEST_METHOD":  "GET",
		"SCRIPT_NAME":     "",
		"PATH_INFO":       "/a b",
		"QUERY_STRING":    "q=1",
		"SERVER_PROTOCOL": "HTTP/1.1",
		"SERVER_NAME":     "example.com",
		"SERVER_PORT":     "8000",
		"REMOTE_ADDR":     "10.0.0.1",
		"REMOTE_PORT":     "51337",
		"wsgi.url_scheme": "https",
	}
	for key, expected := range want {
		if got := env[key]; got != expected {
			t.Errorf("%s: expected %q, got %v", key, expected, got)
		}
	}
	if env["wsgi.multithread"] != true || env["wsgi.multiprocess"] != false || env["wsgi.run_once"] != false {
		t.Error("wsgi sentinels not set")
	}
}

func TestEnvironFromScope_PathFromRawPath(t *testing.T) {
	// raw_path wins over path and is percent-decoded, including %2F.
	scope := testScope(Scope{
		"path":     "/ignored",
		"raw_path": []byte("/docs/a%2Fb%20c"),
	})
	env, err := EnvironFromScope(scope, nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if got := env["PATH_INFO"]; got != "/docs/a/b c" {
		t.Errorf("PATH_INFO: got %v", got)
	}
}

func TestEnvironFromScope_RootPathStripped(t *testing.T) {
	scope := testScope(Scope{
		"path":      "/app/sub",
		"root_path": "/app",
	})
	env, err := EnvironFromScope(scope, nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if got := env["SCRIPT_NAME"]; got != "/app" {
		t.Errorf("SCRIPT_NAME: got %v", got)
	}
	if got := env["PATH_INFO"]; got != "/sub" {
		t.Errorf("PATH_INFO: got %v", got)
	}
}

func TestEnvironFromScope_Headers(t *testing.T) {
	scope := testScope(Scope{
		"headers": [][2][]byte{
			{[]byte("content-type"), []byte("text/plain")},
			{[]byte("content-length"), []byte("12")},
			{[]byte("x-custom-header"), []byte("one")},
			{[]byte("x-custom-header"), []byte("two")},
			{[]byte("accept"), []byte("*/*")},
		},
	})
	env, err := EnvironFromScope(scope, nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}

	if got := env["CONTENT_TYPE"]; got != "text/plain" {
		t.Errorf("CONTENT_TYPE: got %v", got)
	}
	if got := env["CONTENT_LENGTH"]; got != "12" {
		t.Errorf("CONTENT_LENGTH: got %v", got)
	}
	if _, ok := env["HTTP_CONTENT_TYPE"]; ok {
		t.Error("content-type must not appear under HTTP_")
	}
	// Duplicates join with ", " preserving arrival order.
	if got := env["HTTP_X_CUSTOM_HEADER"]; got != "one, two" {
		t.Errorf("HTTP_X_CUSTOM_HEADER: got %v", got)
	}
	if got := env["HTTP_ACCEPT"]; got != "*/*" {
		t.Errorf("HTTP_ACCEPT: got %v", got)
	}
}

func TestEnvironFromScope_ServerDefaults(t *testing.T) {
	scope := testScope(nil)
	delete(scope, "server")
	env, err := EnvironFromScope(scope, nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if env["SERVER_NAME"] != "localhost" || env["SERVER_PORT"] != "80" {
		t.Errorf("expected localhost:80 defaults, got %v:%v", env["SERVER_NAME"], env["SERVER_PORT"])
	}
}

func TestEnvironFromScope_InvalidScope(t *testing.T) {
	_, err := EnvironFromScope(Scope{"type": "websocket"}, nil, io.Discard)
	if !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
	_, err = EnvironFromScope(Scope{"type": "http"}, nil, io.Discard)
	if !IsProtocolError(err) {
		t.Errorf("expected protocol error for missing method, got %v", err)
	}
}

func TestScopeFromEnviron_Basics(t *testing.T) {
	env := Environ{
		"REQUEST_METHOD":  "post",
		"SCRIPT_NAME":     "/app",
		"PATH_INFO":       "/a b",
		"QUERY_STRING":    "q=1",
		"SERVER_NAME":     "example.com",
		"SERVER_PORT":     "8443",
		"SERVER_PROTOCOL": "HTTP/1.1",
		"REMOTE_ADDR":     "10.0.0.9",
		"REMOTE_PORT":     "4242",
		"wsgi.url_scheme": "https",
		"CONTENT_TYPE":    "application/json",
		"HTTP_ACCEPT":     "*/*",
	}
	scope, err := ScopeFromEnviron(env)
	if err != nil {
		t.Fatal(err)
	}

	if scope["method"] != "POST" {
		t.Errorf("method: got %v", scope["method"])
	}
	if scope["path"] != "/app/a b" {
		t.Errorf("path: got %v", scope["path"])
	}
	if string(scope["raw_path"].([]byte)) != "/app/a%20b" {
		t.Errorf("raw_path: got %q", scope["raw_path"])
	}
	if string(scope["query_string"].([]byte)) != "q=1" {
		t.Errorf("query_string: got %q", scope["query_string"])
	}
	if scope["root_path"] != "/app" {
		t.Errorf("root_path: got %v", scope["root_path"])
	}
	if scope["http_version"] != "1.1" {
		t.Errorf("http_version: got %v", scope["http_version"])
	}
	if scope["scheme"] != "https" {
		t.Errorf("scheme: got %v", scope["scheme"])
	}
	if diff := cmp.Diff(Addr{Host: "example.com", Port: 8443}, scope["server"]); diff != "" {
		t.Errorf("server mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Addr{Host: "10.0.0.9", Port: 4242}, scope["client"]); diff != "" {
		t.Errorf("client mismatch (-want +got):\n%s", diff)
	}

	wantHeaders := [][2][]byte{
		{[]byte("content-type"), []byte("application/json")},
		{[]byte("accept"), []byte("*/*")},
	}
	gotHeaders := scope["headers"].([][2][]byte)
	if diff := cmp.Diff(wantHeaders, gotHeaders, cmp.Comparer(func(a, b [2][]byte) bool {
		return string(a[0]) == string(b[0]) && string(a[1]) == string(b[1])
	})); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
}

func TestScopeFromEnviron_MissingMethod(t *testing.T) {
	_, err := ScopeFromEnviron(Environ{})
	if !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	// A header list surviving scope -> environ -> scope equals the original
	// up to canonicalization: lower-case names, sorted order, duplicates
	// joined with ", ".
	scope := testScope(Scope{
		"method": "GET",
		"headers": [][2][]byte{
			{[]byte("accept"), []byte("*/*")},
			{[]byte("x-trace"), []byte("a")},
			{[]byte("x-trace"), []byte("b")},
		},
	})
	env, err := EnvironFromScope(scope, nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ScopeFromEnviron(env)
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]string{}
	for _, h := range back["headers"].([][2][]byte) {
		got[string(h[0])] = string(h[1])
	}
	want := map[string]string{
		"accept":  "*/*",
		"x-trace": "a, b",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
}

func TestLatin1RoundTrip(t *testing.T) {
	raw := []byte{0x68, 0xE9, 0xFF, 0x20, 0x41}
	s := latin1String(raw)
	if len([]rune(s)) != 5 {
		t.Fatalf("expected 5 runes, got %d", len([]rune(s)))
	}
	back := latin1Bytes(s)
	if string(back) != string(raw) {
		t.Errorf("round trip mismatch: %v != %v", back, raw)
	}
}

func TestPercentDecode(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/a%20b", "/a b"},
		{"/a%2Fb", "/a/b"},
		{"/plain", "/plain"},
		{"/bad%2", "/bad%2"},
		{"/bad%zz", "/bad%zz"},
		{"%41%42", "AB"},
	}
	for _, c := range cases {
		if got := percentDecode(c.in); got != c.want {
			t.Errorf("percentDecode(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
