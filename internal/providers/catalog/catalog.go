package catalog

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrUnknownApp     = errors.New("app not in catalog")
	ErrUnknownFormat  = errors.New("unknown catalog format")
	ErrDuplicateApp   = errors.New("duplicate package name in catalog")
	ErrMissingPackage = errors.New("catalog entry without packageName")
)

// App describes one third-party app the relay may start
type App struct {
	PackageName string   `yaml:"packageName" toml:"packageName" json:"packageName"`
	Name        string   `yaml:"name" toml:"name" json:"name"`
	Description string   `yaml:"description" toml:"description" json:"description,omitempty"`
	WebhookURL  string   `yaml:"webhookUrl" toml:"webhookUrl" json:"webhookUrl"`
	Streams     []string `yaml:"streams" toml:"streams" json:"streams,omitempty"`
}

type file struct {
	Apps []App `yaml:"apps" toml:"apps"`
}

// Catalog is an immutable package name lookup
type Catalog struct {
	apps map[string]App
}

// Format is a catalog file encoding
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf infers the format from a file extension
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Load reads a YAML or TOML catalog file
func Load(path string) (*Catalog, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, format)
}

// Parse decodes catalog data in the given format
func Parse(data []byte, format Format) (*Catalog, error) {
	var f file
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse yaml catalog: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse toml catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return New(f.Apps...)
}

// New builds a catalog from apps
func New(apps ...App) (*Catalog, error) {
	c := &Catalog{apps: make(map[string]App, len(apps))}
	for i, a := range apps {
		a.PackageName = strings.TrimSpace(a.PackageName)
		if a.PackageName == "" {
			return nil, fmt.Errorf("%w (entry %d)", ErrMissingPackage, i)
		}
		if _, dup := c.apps[a.PackageName]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateApp, a.PackageName)
		}
		if a.Name == "" {
			a.Name = a.PackageName
		}
		c.apps[a.PackageName] = a
	}
	return c, nil
}

// Get returns the app registered under packageName
func (c *Catalog) Get(packageName string) (App, bool) {
	a, ok := c.apps[packageName]
	return a, ok
}

// Has reports whether packageName is known
func (c *Catalog) Has(packageName string) bool {
	_, ok := c.apps[packageName]
	return ok
}

// WebhookURL returns the wake webhook for packageName
func (c *Catalog) WebhookURL(packageName string) (string, bool) {
	a, ok := c.apps[packageName]
	if !ok || a.WebhookURL == "" {
		return "", false
	}
	return a.WebhookURL, true
}

// List returns every app sorted by package name
func (c *Catalog) List() []App {
	out := make([]App, 0, len(c.apps))
	for _, a := range c.apps {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b App) int { return cmp.Compare(a.PackageName, b.PackageName) })
	return out
}

// Len returns the number of apps
func (c *Catalog) Len() int {
	return len(c.apps)
}

// Marshal encodes the catalog in format
func (c *Catalog) Marshal(format Format) ([]byte, error) {
	f := file{Apps: c.List()}
	switch format {
	case FormatYAML:
		return yaml.Marshal(f)
	case FormatTOML:
		return toml.Marshal(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
