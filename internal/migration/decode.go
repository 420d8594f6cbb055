package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decode parses an export file. It accepts either a request object
// (`{tasks: [...], metadata: {...}}`) or a bare list of records, encoded as
// JSON or YAML. The format is taken from the file extension and falls back
// to content sniffing.
func Decode(name string, data []byte) (Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Request{}, fmt.Errorf("decode %s: empty file", name)
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return decodeYAML(name, data)
	case ".json":
		return decodeJSON(name, data)
	}
	if data[0] == '{' || data[0] == '[' {
		if req, err := decodeJSON(name, data); err == nil {
			return req, nil
		}
	}
	return decodeYAML(name, data)
}

func decodeJSON(name string, data []byte) (Request, error) {
	dec := func(v any) error {
		d := json.NewDecoder(bytes.NewReader(data))
		d.UseNumber()
		return d.Decode(v)
	}
	var req Request
	if data[0] == '[' {
		if err := dec(&req.Tasks); err != nil {
			return Request{}, fmt.Errorf("decode %s: %w", name, err)
		}
		return req, nil
	}
	if err := dec(&req); err != nil {
		return Request{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return req, nil
}

func decodeYAML(name string, data []byte) (Request, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return Request{}, fmt.Errorf("decode %s: %w", name, err)
	}
	var req Request
	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	var err error
	if root.Kind == yaml.SequenceNode {
		err = root.Decode(&req.Tasks)
	} else {
		err = root.Decode(&req)
	}
	if err != nil {
		return Request{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return req, nil
}
