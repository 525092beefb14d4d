package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML config file and exposes it as a LookupFunc keyed by
// the same LEASEQ_* names as the environment. Nested sections are joined
// with underscores, so
//
//	queue:
//	  acquire_timeout: 30s
//
// answers LEASEQ_QUEUE_ACQUIRE_TIMEOUT.
func LoadFile(path string) (LookupFunc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return ParseYAML(raw)
}

func ParseYAML(raw []byte) (LookupFunc, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode config yaml: %w", err)
	}
	values := map[string]string{}
	if err := flattenYAML("LEASEQ", doc, values); err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}, nil
}

// Chain returns a LookupFunc that consults each lookup in order and returns
// the first hit.
func Chain(lookups ...LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		for _, lookup := range lookups {
			if lookup == nil {
				continue
			}
			if value, ok := lookup(key); ok {
				return value, true
			}
		}
		return "", false
	}
}

func flattenYAML(prefix string, node map[string]any, out map[string]string) error {
	keys := make([]string, 0, len(node))
	for key := range node {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := prefix + "_" + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
		switch value := node[key].(type) {
		case map[string]any:
			if err := flattenYAML(name, value, out); err != nil {
				return err
			}
		case []any:
			return fmt.Errorf("config key %s: lists are not supported", name)
		case nil:
			continue
		default:
			out[name] = fmt.Sprint(value)
		}
	}
	return nil
}
