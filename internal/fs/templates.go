package fs

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Template is a named scaffold: a set of files written into a new
// workspace.
type Template struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Files       map[string]string `yaml:"files" json:"-"`
}

// Templates is an immutable set of scaffolds keyed by name.
type Templates struct {
	byName map[string]Template
}

// LoadTemplates parses the embedded templates and then any *.yaml files in
// dir, which override built-ins of the same name. An empty dir loads only
// the built-ins.
func LoadTemplates(dir string) (*Templates, error) {
	t := &Templates{byName: make(map[string]Template)}

	entries, err := builtinTemplates.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, err := builtinTemplates.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, err
		}
		if err := t.add(entry.Name(), data); err != nil {
			return nil, err
		}
	}

	if dir == "" {
		return t, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := t.add(filepath.Base(path), data); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Templates) add(source string, data []byte) error {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return fmt.Errorf("parse template %s: %w", source, err)
	}
	if tmpl.Name == "" {
		tmpl.Name = strings.TrimSuffix(source, filepath.Ext(source))
	}
	for p := range tmpl.Files {
		if _, err := cleanSegments(p); err != nil {
			return fmt.Errorf("template %s: file %q: %w", tmpl.Name, p, err)
		}
	}
	t.byName[tmpl.Name] = tmpl
	return nil
}

// Get returns the template called name.
func (t *Templates) Get(name string) (Template, bool) {
	tmpl, ok := t.byName[name]
	return tmpl, ok
}

// List returns every template sorted by name.
func (t *Templates) List() []Template {
	out := make([]Template, 0, len(t.byName))
	for _, tmpl := range t.byName {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
