package description

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/graphflow/pkg/api"
)

// ParseYAML decodes a YAML description. Unknown fields are rejected.
func ParseYAML(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse graph YAML: empty document")
		}
		return nil, fmt.Errorf("parse graph YAML: %w", err)
	}
	return &doc, nil
}

// LoadYAML parses data and converts it to a graph definition.
func LoadYAML(data []byte, r WorkerResolver) (api.GraphDefinition, error) {
	doc, err := ParseYAML(data)
	if err != nil {
		return api.GraphDefinition{}, err
	}
	return doc.Definition(r)
}

// YAML renders the document as YAML.
func (d *Document) YAML() ([]byte, error) {
	return yaml.Marshal(d)
}
