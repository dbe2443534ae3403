package stt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

// Model is one entry of the model registry.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
}

// Catalog resolves model ids to files under a models directory.
type Catalog struct {
	dir    string
	models map[string]Model
	order  []string

	// VerifyFiles makes Resolve fail for models whose file is absent.
	VerifyFiles bool
}

func NewCatalog(dir string, models []Model) *Catalog {
	c := &Catalog{dir: dir, models: make(map[string]Model, len(models)), VerifyFiles: true}
	for _, m := range models {
		if m.Name == "" {
			m.Name = m.ID
		}
		if _, dup := c.models[m.ID]; !dup {
			c.order = append(c.order, m.ID)
		}
		c.models[m.ID] = m
	}
	return c
}

// CatalogFromConfig builds a catalog from the models section.
func CatalogFromConfig(cfg config.ModelsConfig) *Catalog {
	models := make([]Model, 0, len(cfg.Catalog))
	for _, entry := range cfg.Catalog {
		models = append(models, Model{ID: entry.ID, Name: entry.Name, Filename: entry.Filename})
	}
	return NewCatalog(cfg.Directory, models)
}

// Lookup returns the model without touching the filesystem.
func (c *Catalog) Lookup(id string) (Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// Resolve returns the model and its absolute file path.
func (c *Catalog) Resolve(id string) (Model, string, error) {
	m, ok := c.models[id]
	if !ok {
		return Model{}, "", fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	path := filepath.Join(c.dir, m.Filename)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if !c.VerifyFiles {
		return m, path, nil
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return m, path, fmt.Errorf("%w: %s (%s)", ErrModelNotDownloaded, m.ID, path)
	}
	return m, path, nil
}

// Installed reports whether the model file is present.
func (c *Catalog) Installed(id string) bool {
	m, ok := c.models[id]
	if !ok {
		return false
	}
	info, err := os.Stat(filepath.Join(c.dir, m.Filename))
	return err == nil && !info.IsDir()
}

func (c *Catalog) Models() []Model {
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}
