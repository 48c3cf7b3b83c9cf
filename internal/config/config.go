// Package config loads per-extension compressor options from YAML.
//
//	default:
//	  quality: 80
//	extensions:
//	  .jpg: {quality: 75}
//	  png:  {level: best}
//
// Extension keys are normalized to lower case with a leading dot. Options
// for a file are the default options overlaid with its extension's.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aweris/imageopt"
)

// Compressors holds the options loaded from a compressors file.
type Compressors struct {
	Default    map[string]any            `yaml:"default"`
	Extensions map[string]map[string]any `yaml:"extensions"`
}

// Load reads path, which must be non-empty. A file that does not exist,
// or has no content, yields an empty set.
func Load(path string) (*Compressors, error) {
	if path == "" {
		return nil, errors.New("empty compressors path")
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		if os.IsNotExist(err) {
			return &Compressors{}, nil
		}
		return nil, fmt.Errorf("read compressors: %w", err)
	}
	return Parse(data)
}

// Parse decodes a compressors document.
func Parse(data []byte) (*Compressors, error) {
	c := &Compressors{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse compressors: %w", err)
		}
	}

	normalized := make(map[string]map[string]any, len(c.Extensions))
	for ext, opts := range c.Extensions {
		key := NormalizeExtension(ext)
		if key == "" {
			continue
		}
		if _, ok := normalized[key]; ok {
			return nil, fmt.Errorf("duplicate extension %q", key)
		}
		normalized[key] = opts
	}
	c.Extensions = normalized
	return c, nil
}

// Resolve returns the options for filename. The result is a fresh map.
func (c *Compressors) Resolve(filename string) imageopt.Config {
	cfg := imageopt.Config{}
	maps.Copy(cfg, c.Default)
	maps.Copy(cfg, c.Extensions[strings.ToLower(filepath.Ext(filename))])
	return cfg
}

// ExtensionNames lists the configured extensions in sorted order.
func (c *Compressors) ExtensionNames() []string {
	return slices.Sorted(maps.Keys(c.Extensions))
}

// NormalizeExtension lower-cases ext and ensures a leading dot.
// Blank input yields "".
func NormalizeExtension(ext string) string {
	e := strings.ToLower(strings.TrimSpace(ext))
	if e == "" || e == "." {
		return ""
	}
	if !strings.HasPrefix(e, ".") {
		e = "." + e
	}
	return e
}

// ExtensionFilter returns a filter accepting only files whose extension is
// in exts. An empty list accepts everything.
func ExtensionFilter(exts []string) imageopt.Filter {
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		if e := NormalizeExtension(ext); e != "" {
			allowed[e] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	return func(_ []byte, filename string) bool {
		_, ok := allowed[strings.ToLower(filepath.Ext(filename))]
		return ok
	}
}
