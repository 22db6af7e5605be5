// Package runtime maps supported languages to their container images and
// launch commands.
package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Runtime describes how one language runs inside a container.
type Runtime struct {
	Name      string
	Image     string
	Extension string

	args []string
}

// Command returns the process arguments for executing the code file at
// codePath inside the container.
func (rt Runtime) Command(codePath string) []string {
	cmd := make([]string, 0, len(rt.args)+1)
	cmd = append(cmd, rt.args...)
	return append(cmd, codePath)
}

var supported = map[string]Runtime{
	"python": {
		Name:      "python",
		Image:     "docker.io/library/python:3.12-slim",
		Extension: ".py",
		// -u for unbuffered output, -B to skip .pyc writes on the
		// read-only rootfs.
		args: []string{"python3", "-u", "-B"},
	},
	"node": {
		Name:      "node",
		Image:     "docker.io/library/node:20-slim",
		Extension: ".js",
		// Heap capped below the container memory limit so V8 aborts
		// cleanly; code generation from strings blocks eval.
		args: []string{"node", "--max-old-space-size=256", "--disallow-code-generation-from-strings"},
	},
	"bash": {
		Name:      "bash",
		Image:     "docker.io/library/alpine:3.19",
		Extension: ".sh",
		args:      []string{"/bin/sh", "-e", "-u"},
	},
}

// Registry resolves language names to runtimes.
type Registry struct {
	byName map[string]Runtime
}

func NewRegistry() *Registry {
	return &Registry{byName: supported}
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.byName[language]
	if !ok {
		return Runtime{}, fmt.Errorf("unsupported language: %q (supported: %s)",
			language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns the supported language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.byName))
	for name := range r.byName {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}
