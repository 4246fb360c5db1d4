package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Library resolves stage prompt templates. Files in an override directory
// win over the built-in set.
type Library struct {
	dir string
}

// NewLibrary returns a library reading overrides from dir. An empty dir
// uses the built-in templates only.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// DefaultDir is where operators drop prompt overrides: ~/.factory/prompts.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".factory", "prompts")
}

// Load returns the template text for name.
func (l *Library) Load(name string) (string, error) {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	if l != nil && l.dir != "" {
		if data, err := os.ReadFile(filepath.Join(l.dir, name)); err == nil {
			return string(data), nil
		}
	}
	if tmpl, ok := builtinTemplates[name]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// Stage renders the system and user prompts for a pipeline stage.
// stage is the lower-case stage name, e.g. "detector".
func (l *Library) Stage(stage string, vars Vars) (system, user string, err error) {
	sysTmpl, err := l.Load(stage + ".system.md")
	if err != nil {
		return "", "", err
	}
	userTmpl, err := l.Load(stage + ".user.md")
	if err != nil {
		return "", "", err
	}
	if system, err = Render(sysTmpl, vars); err != nil {
		return "", "", fmt.Errorf("render %s system prompt: %w", stage, err)
	}
	if user, err = Render(userTmpl, vars); err != nil {
		return "", "", fmt.Errorf("render %s user prompt: %w", stage, err)
	}
	return system, user, nil
}

// Names lists the built-in template names.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for n := range builtinTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Install writes the built-in templates into dir without overwriting
// existing files. It returns the names written.
func Install(dir string) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("no prompt directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create prompt dir: %w", err)
	}
	var written []string
	for _, name := range Names() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}
