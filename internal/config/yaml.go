package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// coerceToJSONBytes funnels both file formats through one strict decoder:
// YAML input is converted to JSON bytes first, so DisallowUnknownFields
// applies regardless of which format the file uses.
//
// The returned format ("json" or "yaml") feeds error messages.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if !isYAMLPath(path) {
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	doc = stringKeys(doc)

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, "yaml", nil
}

// stringKeys rewrites every map in the decoded YAML document to string keys;
// json.Marshal refuses map[any]any.
func stringKeys(doc any) any {
	switch node := doc.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range node {
			node[k] = stringKeys(v)
		}
		return node
	case []any:
		for i, v := range node {
			node[i] = stringKeys(v)
		}
		return node
	default:
		return doc
	}
}

// marshalForFile renders cfg in the format implied by the file extension.
// YAML output goes through a JSON round trip so the json struct tags decide
// the key names in both formats.
func marshalForFile(path string, cfg *Config) ([]byte, error) {
	if !isYAMLPath(path) {
		return json.MarshalIndent(cfg, "", "  ")
	}
	jb, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(jb, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}
