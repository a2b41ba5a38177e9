// Package codec provides the payload encodings selectable for application
// traffic carried inside frames.
package codec

import (
	"fmt"
	"sort"
	"strings"
)

// Codec marshals typed messages. Implementations are deterministic so peers
// agree on bytes for equal values.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps names and content types to codecs.
type Registry struct{ byKey map[string]Codec }

// NewRegistry returns a registry holding json, cbor and proto.
func NewRegistry() (*Registry, error) {
	r := &Registry{byKey: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	c, err := CBOR()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor: %w", err)
	}
	r.Register(c)
	return r, nil
}

// Register adds c under its name and content type.
func (r *Registry) Register(c Codec) {
	r.byKey[c.Name()] = c
	r.byKey[c.ContentType()] = c
}

// Get returns the codec for a name or content type.
func (r *Registry) Get(key string) (Codec, error) {
	c, ok := r.byKey[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec %q (have %s)", key, strings.Join(r.Names(), ", "))
	}
	return c, nil
}

// Names lists registered codec names.
func (r *Registry) Names() []string {
	var out []string
	for k, c := range r.byKey {
		if k == c.Name() {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
