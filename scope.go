package bridge

import (
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate = validator.New()

// scopeModel is the typed view of an incoming ASGI scope. Scopes arrive as
// untyped maps; decoding into this model up front means a malformed scope
// fails fast with a protocol error instead of surfacing as a nil-map panic
// deep inside a request.
type scopeModel struct {
	Type        string      `mapstructure:"type" validate:"required,oneof=http lifespan"`
	HTTPVersion string      `mapstructure:"http_version"`
	Method      string      `mapstructure:"method" validate:"required_if=Type http"`
	Scheme      string      `mapstructure:"scheme"`
	Path        string      `mapstructure:"path" validate:"required_if=Type http"`
	RawPath     []byte      `mapstructure:"raw_path"`
	QueryString []byte      `mapstructure:"query_string"`
	RootPath    string      `mapstructure:"root_path"`
	Headers     [][2][]byte `mapstructure:"headers"`
	Client      *Addr       `mapstructure:"client"`
	Server      *Addr       `mapstructure:"server"`
}

// decodeScope decodes and validates an ASGI scope. Unknown keys are ignored;
// missing or mistyped required fields are protocol violations charged to the
// server side.
func decodeScope(scope Scope) (*scopeModel, error) {
	var m scopeModel
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &m,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(map[string]any(scope)); err != nil {
		return nil, protocolErrorf(SideServer, "malformed scope: %v", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, protocolErrorf(SideServer, "invalid scope: %v", err)
	}
	if m.HTTPVersion == "" {
		m.HTTPVersion = "1.1"
	}
	if m.Scheme == "" {
		m.Scheme = "http"
	}
	return &m, nil
}
