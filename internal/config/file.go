package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// readConfigFile loads a YAML mapping of env var names to values, e.g.
//
//	MAILBOX_TTL: 45s
//	MAX_SESSIONS: 500
//	ALLOWED_ORIGINS: [https://app.example.com, https://admin.example.com]
//
// Scalars are read as their literal text; sequences are joined with commas.
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	out := map[string]string{}
	if len(doc.Content) == 0 {
		return out, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse config %q: top level must be a mapping of env var names", path)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		name := strings.TrimSpace(key.Value)
		if name == "" {
			return nil, fmt.Errorf("config %q line %d: empty key", path, key.Line)
		}
		switch val.Kind {
		case yaml.ScalarNode:
			out[name] = val.Value
		case yaml.SequenceNode:
			items := make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("config %q line %d: %s must be a list of scalars", path, item.Line, name)
				}
				items = append(items, item.Value)
			}
			out[name] = strings.Join(items, ",")
		default:
			return nil, fmt.Errorf("config %q line %d: %s must be a scalar or list", path, val.Line, name)
		}
	}
	return out, nil
}

// overlayLookup resolves keys from the environment first and falls back to
// values read from the config file.
func overlayLookup(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// configFileFromArgs finds --config before the flag set is built, since the
// file supplies the flag defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
