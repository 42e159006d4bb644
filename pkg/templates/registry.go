package templates

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
)

//go:embed assets/**/*.tmpl
var embeddedFS embed.FS

// Template is a parsed prompt template.
type Template struct {
	ID      string
	Content string

	parsed *template.Template
}

// Render executes the template with the provided data.
func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.parsed.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", t.ID, err)
	}

	return buf.String(), nil
}

// Registry holds loaded templates and resolves them by ID. IDs are the
// asset path without the assets/ prefix and .tmpl suffix, e.g.
// "agents/analyst".
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Get returns the lazily initialized registry over the embedded assets.
func Get() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = NewRegistryFromFS(embeddedFS, "assets")
	})

	if defaultErr != nil {
		panic(defaultErr)
	}

	return defaultRegistry
}

// NewRegistryFromFS loads every .tmpl file under root in the filesystem.
func NewRegistryFromFS(filesystem fs.FS, root string) (*Registry, error) {
	r := &Registry{templates: map[string]*Template{}}

	err := fs.WalkDir(filesystem, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".tmpl") {
			return nil
		}

		raw, err := fs.ReadFile(filesystem, path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", path, err)
		}

		id := strings.TrimSuffix(strings.TrimPrefix(path, root+"/"), ".tmpl")
		parsed, err := template.New(id).Parse(string(raw))
		if err != nil {
			return fmt.Errorf("parse template %s: %w", path, err)
		}

		r.templates[id] = &Template{ID: id, Content: string(raw), parsed: parsed}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// GetTemplate retrieves a template by its ID.
func (r *Registry) GetTemplate(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tmpl, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s not found", id)
	}

	return tmpl, nil
}

// IDs returns the loaded template IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}

	return ids
}
