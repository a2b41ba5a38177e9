package config

import (
	"bytes"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// keys holding a time.Duration; yaml.v3 would otherwise emit nanoseconds
var durationKeys = map[string]bool{
	"timeout":         true,
	"resolve_timeout": true,
	"interval":        true,
}

// Dump renders the configuration as YAML that Load accepts back.
func (c *Config) Dump() ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(c); err != nil {
		return nil, err
	}
	humanizeDurations(&doc)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func humanizeDurations(n *yaml.Node) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if durationKeys[k.Value] && v.Kind == yaml.ScalarNode && v.Tag == "!!int" {
				if ns, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
					v.Value = time.Duration(ns).String()
					v.Tag = "!!str"
				}
			}
		}
	}
	for _, child := range n.Content {
		humanizeDurations(child)
	}
}
