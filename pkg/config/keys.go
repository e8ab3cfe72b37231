package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrKeyNotFound is returned when a dotted key does not name a configuration value.
var ErrKeyNotFound = errors.New("config key not found")

// Lookup returns the node addressed by a dotted key such as "agent.model" inside a
// YAML document or mapping node.
func Lookup(doc *yaml.Node, key string) (*yaml.Node, error) {
	n := root(doc)
	for _, part := range strings.Split(key, ".") {
		if part == "" || n.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		next := child(n, part)
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		n = next
	}
	return n, nil
}

// SetValue replaces the value at key with value parsed as a YAML fragment, so
// "8080", "true" and "[a, b]" keep their types. Missing sections are created.
// Comments attached to the old value are kept.
func SetValue(doc *yaml.Node, key, value string) error {
	parts := strings.Split(key, ".")
	n := root(doc)
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
		if n.Kind != yaml.MappingNode {
			return fmt.Errorf("config key %s: %s is not a section", key, strings.Join(parts[:i], "."))
		}
		next := child(n, part)
		if next == nil {
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}, next)
		}
		n = next
	}

	repl, err := parseValue(value)
	if err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	if n.Kind == yaml.MappingNode && len(n.Content) > 0 && repl.Kind != yaml.MappingNode {
		return fmt.Errorf("config key %s is a section, not a value", key)
	}
	repl.HeadComment, repl.LineComment, repl.FootComment = n.HeadComment, n.LineComment, n.FootComment
	*n = *repl
	return nil
}

// Update sets key to value in the YAML file at filename and writes it back. When the
// file does not exist it starts from defaults. The edited document must decode into a
// T with no unknown fields and pass validation, otherwise the file is left untouched.
func Update[T any](filename string, defaults *T, key, value string) error {
	var doc yaml.Node
	data, err := os.ReadFile(filename)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := doc.Encode(defaults); err != nil {
			return fmt.Errorf("failed to encode defaults: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", filename, err)
		}
		if doc.Kind == 0 {
			doc = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		}
	}

	if err := SetValue(&doc, key, value); err != nil {
		return err
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(out)))))
	dec.KnownFields(true)
	if err := dec.Decode(defaults); err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	if validator, ok := any(defaults).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	return Save(filename, &doc, true)
}

func root(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return doc
}

func child(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func parseValue(value string) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(value), &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}, nil
	}
	return doc.Content[0], nil
}
