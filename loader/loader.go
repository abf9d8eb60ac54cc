// Package loader detects and loads pipeline sources. DOT sources go
// through the dot parser; YAML definitions (a structural mirror of the
// DOT surface) load into the same Graph model.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/dotflow"
	"github.com/petal-labs/dotflow/dot"
)

// Format identifies a pipeline source format.
type Format string

const (
	FormatDOT  Format = "dot"
	FormatYAML Format = "yaml"
)

// Detect determines the source format from the file path and content.
// Extensions win; extensionless content is sniffed for the digraph
// keyword.
func Detect(data []byte, path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dot", ".gv":
		return FormatDOT
	case ".yaml", ".yml":
		return FormatYAML
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(strings.ToLower(trimmed), "digraph") {
		return FormatDOT
	}
	return FormatYAML
}

// Load parses a pipeline source in either format.
func Load(data []byte, path string) (*dotflow.Graph, error) {
	switch Detect(data, path) {
	case FormatDOT:
		return dot.Parse(data)
	default:
		return LoadYAML(data)
	}
}

// LoadFile reads and parses a pipeline file.
func LoadFile(path string) (*dotflow.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data, path)
}

// yamlGraph is the YAML pipeline schema.
type yamlGraph struct {
	Name  string         `yaml:"name"`
	Attrs map[string]any `yaml:"attrs"`
	Nodes []yamlNode     `yaml:"nodes"`
	Edges []yamlEdge     `yaml:"edges"`
}

type yamlNode struct {
	ID    string         `yaml:"id"`
	Attrs map[string]any `yaml:"attrs"`
}

type yamlEdge struct {
	From  string         `yaml:"from"`
	To    string         `yaml:"to"`
	Attrs map[string]any `yaml:"attrs"`
}

// LoadYAML parses a YAML pipeline definition into a Graph. Attribute
// values pass through the same coercion as DOT bare tokens so duration
// strings behave identically in both formats.
func LoadYAML(data []byte) (*dotflow.Graph, error) {
	var doc yamlGraph
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing YAML pipeline: %w", err)
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("YAML pipeline has no nodes")
	}

	g := dotflow.NewGraph(doc.Name)
	for k, v := range doc.Attrs {
		g.Attrs[k] = coerce(v)
	}
	for _, yn := range doc.Nodes {
		if yn.ID == "" {
			return nil, fmt.Errorf("YAML pipeline node without id")
		}
		n := dotflow.NewNode(yn.ID)
		for k, v := range yn.Attrs {
			n.SetAttr(k, coerce(v))
		}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, ye := range doc.Edges {
		if ye.From == "" || ye.To == "" {
			return nil, fmt.Errorf("YAML pipeline edge needs from and to")
		}
		e := dotflow.NewEdge(ye.From, ye.To)
		for k, v := range ye.Attrs {
			e.Attrs[k] = coerce(v)
		}
		g.AddEdge(e)
	}
	return g, nil
}

func coerce(v any) any {
	if s, ok := v.(string); ok {
		return dot.CoerceValue(s)
	}
	return v
}
