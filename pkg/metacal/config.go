package metacal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadParams reads a YAML parameter file on top of NewParams defaults and
// validates the result. Unknown keys are rejected.
func LoadParams(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading params: %w", err)
	}
	p, err := ParseParams(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseParams decodes YAML over the defaults. Empty input yields the defaults.
func ParseParams(data []byte) (*Params, error) {
	p := NewParams()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// SaveParams writes p as YAML.
func SaveParams(path string, p *Params) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing params: %w", err)
	}
	return nil
}
