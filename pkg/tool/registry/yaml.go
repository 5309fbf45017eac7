package registry

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/toolgate/pkg/tool"
)

// descriptorFile is the YAML shape of one descriptor file: a single
// document holding a tools list.
type descriptorFile struct {
	Tools []tool.Definition `yaml:"tools"`
}

// LoadReader parses one YAML descriptor document from r. Unknown fields
// are rejected, as is a file carrying more than one document.
func LoadReader(r io.Reader) ([]tool.Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f descriptorFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("registry: descriptor document is empty")
		}
		return nil, fmt.Errorf("registry: parse descriptor: %w", err)
	}

	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("registry: descriptor must hold exactly one YAML document")
	}

	return f.Tools, nil
}

// LoadFile loads the tool definitions from a single descriptor file.
func LoadFile(path string) ([]tool.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open descriptor %s: %w", path, err)
	}
	defer f.Close()

	defs, err := LoadReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}
	return defs, nil
}

// LoadDir loads every *.yaml and *.yml descriptor in dir, in lexical file
// order. A directory without any descriptor file is an error; an agent
// with zero tools is a deployment mistake worth failing loudly on.
func LoadDir(dir string) ([]tool.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: read descriptor dir: %w", err)
	}

	var defs []tool.Definition
	files := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		files++
		fileDefs, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}

	if files == 0 {
		return nil, fmt.Errorf("registry: no descriptor files (*.yaml) in %s", dir)
	}
	return defs, nil
}

// BindHandlers pairs loaded definitions with handler implementations by
// tool ID. Definitions without a handler and handlers without a matching
// definition are both collected into a single joined error.
func BindHandlers(defs []tool.Definition, handlers map[string]tool.Handler) ([]tool.Tool, error) {
	var errs []error
	bound := make(map[string]bool, len(defs))
	out := make([]tool.Tool, 0, len(defs))

	for _, d := range defs {
		h, ok := handlers[d.ID]
		if !ok {
			errs = append(errs, fmt.Errorf("no handler bound for tool %q", d.ID))
			continue
		}
		bound[d.ID] = true
		out = append(out, tool.Tool{Definition: d, Handler: h})
	}
	for _, id := range slices.Sorted(maps.Keys(handlers)) {
		if !bound[id] {
			errs = append(errs, fmt.Errorf("handler %q matches no loaded definition", id))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("registry: bind handlers: %w", errors.Join(errs...))
	}
	return out, nil
}
