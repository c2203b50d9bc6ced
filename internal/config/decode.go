package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses data as JSON, or as YAML when name ends in .yaml or .yml.
// Both formats go through the same strict JSON decoder, so unknown fields and
// trailing data are rejected either way.
func Decode(name string, data []byte) (*Config, error) {
	if isYAML(name) {
		j, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = j
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		// An empty YAML file is an empty config.
		return []byte("{}"), nil
	}
	v, err := jsonSafe(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// jsonSafe rewrites YAML values json.Marshal cannot encode. Mapping keys
// must be strings; linkmux has no numeric or boolean keys.
func jsonSafe(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			safe, err := jsonSafe(item)
			if err != nil {
				return nil, err
			}
			x[k] = safe
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: mapping key %v is not a string", k)
			}
			safe, err := jsonSafe(item)
			if err != nil {
				return nil, err
			}
			out[key] = safe
		}
		return out, nil
	case []any:
		for i, item := range x {
			safe, err := jsonSafe(item)
			if err != nil {
				return nil, err
			}
			x[i] = safe
		}
		return x, nil
	default:
		return v, nil
	}
}
