// Package config loads the backup jobs file: a YAML list of items, each
// mapping directories below a source root into a destination directory.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/openmined/zipbackup/internal/archive"
)

var ErrEmptyConfig = errors.New("config has no items")

// MissingFieldError reports a required key absent from an item.
type MissingFieldError struct {
	Item  int
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("item %d: missing required field %q", e.Item, e.Field)
}

// Item is one entry of the jobs file.
type Item struct {
	RootFrom         string            `yaml:"RootFrom"`
	RootTo           string            `yaml:"RootTo"`
	SplitSize        int64             `yaml:"SplitSize,omitempty"`
	CompressionLevel *CompressionLevel `yaml:"CompressionLevel,omitempty"`
	Add              []string          `yaml:"Add"`
	Ignore           []string          `yaml:"Ignore,omitempty"`
	Exclude          []string          `yaml:"Exclude,omitempty"`
}

// ArchiveOptions returns the segment write options of the item.
func (it *Item) ArchiveOptions() archive.Options {
	level := archive.LevelDefault
	if it.CompressionLevel != nil {
		level = archive.CompressionLevel(*it.CompressionLevel)
	}
	return archive.Options{Level: level, MaxPartSize: it.SplitSize}
}

// Config is a parsed jobs file.
type Config struct {
	Items []*Item
	// Path is the file the config was read from.
	Path string
}

// Dir is the directory relative RootTo paths are resolved against.
func (c *Config) Dir() string {
	if c.Path == "" {
		return ""
	}
	return filepath.Dir(c.Path)
}

// Load reads and parses the jobs file at path.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", abs, err)
	}
	cfg.Path = abs
	return cfg, nil
}

// Parse decodes a jobs file. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var items []*Item
	if err := dec.Decode(&items); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyConfig
		}
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyConfig
	}

	for i, it := range items {
		if it == nil {
			return nil, fmt.Errorf("item %d: empty", i)
		}
		if err := it.checkRequired(i); err != nil {
			return nil, err
		}
	}
	return &Config{Items: items}, nil
}

func (it *Item) checkRequired(i int) error {
	switch {
	case it.RootFrom == "":
		return &MissingFieldError{Item: i, Field: "RootFrom"}
	case it.RootTo == "":
		return &MissingFieldError{Item: i, Field: "RootTo"}
	case len(it.Add) == 0:
		return &MissingFieldError{Item: i, Field: "Add"}
	}
	if it.SplitSize < 0 {
		return fmt.Errorf("item %d: SplitSize must not be negative", i)
	}
	return nil
}

// CompressionLevel is archive.CompressionLevel with YAML support.
type CompressionLevel archive.CompressionLevel

func (l *CompressionLevel) UnmarshalYAML(node *yaml.Node) error {
	level, err := archive.ParseCompressionLevel(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*l = CompressionLevel(level)
	return nil
}

func (l CompressionLevel) MarshalYAML() (any, error) {
	return archive.CompressionLevel(l).String(), nil
}
