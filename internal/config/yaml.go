package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// toJSON converts a YAML document to JSON so both formats go through the
// same strict decoder. JSON input is returned unchanged.
func toJSON(path string, data []byte) ([]byte, error) {
	if !isYAML(path) {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	v, err := stringKeys(v, "")
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringKeys rewrites mapping keys to strings. Guild and channel maps are
// keyed by snowflake IDs, which YAML reads as integers unless quoted.
func stringKeys(in any, at string) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := stringKeys(v, join(at, k))
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			var key string
			switch kk := k.(type) {
			case string:
				key = kk
			case int:
				key = strconv.Itoa(kk)
			case uint64:
				key = strconv.FormatUint(kk, 10)
			case bool, float64:
				key = fmt.Sprint(kk)
			default:
				return nil, fmt.Errorf("yaml: %s: unsupported key %v", orRoot(at), k)
			}
			nv, err := stringKeys(v, join(at, key))
			if err != nil {
				return nil, err
			}
			m[key] = nv
		}
		return m, nil
	case []any:
		for i := range x {
			nv, err := stringKeys(x[i], fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	}
	return in, nil
}

func join(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func orRoot(at string) string {
	if at == "" {
		return "<root>"
	}
	return at
}

// ParseGuildPolicy decodes one guild policy fragment, in the same shape as
// an entry under moderation.guilds.
func ParseGuildPolicy(path string, data []byte) (GuildPolicyConfig, error) {
	var gp GuildPolicyConfig
	jb, err := toJSON(path, data)
	if err != nil {
		return gp, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&gp); err != nil {
		return gp, fmt.Errorf("%s: %w", path, err)
	}
	return gp, nil
}

// ParseBytes decodes config content as if it had been read from path.
func ParseBytes(path string, data []byte) (*Config, error) {
	jb, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}
	return decode(jb)
}
