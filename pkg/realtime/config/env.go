package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// envObject returns the process environment as a cty object, so that
// configuration can say `token = env.ALTAN_TOKEN`.
func envObject(environ []string) cty.Value {
	vars := make(map[string]cty.Value, len(environ))

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[envAttributeName(key)] = cty.StringVal(value)
	}

	if len(vars) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(vars)
}

// processEnv is swapped in tests.
var processEnv = os.Environ

// envAttributeName maps a variable name onto a valid HCL identifier.
func envAttributeName(name string) string {
	if name == "" {
		return "_"
	}

	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case i > 0 && ((r >= '0' && r <= '9') || r == '-'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
