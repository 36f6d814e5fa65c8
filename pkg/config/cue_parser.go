package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
)

// Catalog is the result of parsing CUE step catalog sources.
type Catalog struct {
	Steps       []StepDefinition
	SourceFiles []string
	Errors      []ValidationError
}

// Err joins the catalog's errors, or returns nil.
func (c *Catalog) Err() error {
	if len(c.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(c.Errors))
	for i, e := range c.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid step catalog:\n  %s", strings.Join(msgs, "\n  "))
}

// CatalogParser parses step catalogs written in CUE. A catalog declares
// steps under a top-level "steps" field, as a struct keyed by step name or
// as a list:
//
//	steps: "install-base": {
//		tags: ["web"]
//		priority: 10
//		apply: run: "apt-get install -y nginx"
//	}
type CatalogParser struct {
	registry *SchemaRegistry
}

// NewCatalogParser creates a catalog parser with the built-in schemas.
func NewCatalogParser() *CatalogParser {
	return &CatalogParser{registry: NewSchemaRegistry()}
}

// Registry returns the parser's schema registry.
func (cp *CatalogParser) Registry() *SchemaRegistry {
	return cp.registry
}

// Parse loads CUE files and directories. Files of a directory are loaded
// in name order. Definition problems are reported in Catalog.Errors; the
// error return is for sources that cannot be read.
func (cp *CatalogParser) Parse(ctx context.Context, sources []string) (*Catalog, error) {
	if len(sources) == 0 {
		return &Catalog{}, nil
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if info.IsDir() {
			found, err := cp.LoadFromDirectory(source)
			if err != nil {
				return nil, err
			}
			files = append(files, found...)
		} else {
			files = append(files, source)
		}
	}

	catalog := &Catalog{SourceFiles: files}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, errs := cp.loadFile(file)
		if len(errs) > 0 {
			catalog.Errors = append(catalog.Errors, errs...)
			continue
		}
		cp.extractSteps(val, file, catalog)
	}
	return catalog, nil
}

// ParseInline parses CUE content that is not backed by a file.
func (cp *CatalogParser) ParseInline(_ context.Context, content string) (*Catalog, error) {
	catalog := &Catalog{SourceFiles: []string{"inline"}}

	val := cp.registry.Context().CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		catalog.Errors = cp.convertCUEErrors(err)
		return catalog, nil
	}
	cp.extractSteps(val, "inline", catalog)
	return catalog, nil
}

func (cp *CatalogParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.registry.Context().CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

func (cp *CatalogParser) extractSteps(val cue.Value, source string, catalog *Catalog) {
	stepsVal := val.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return
	}

	switch stepsVal.Kind() {
	case cue.StructKind:
		iter, err := stepsVal.Fields()
		if err != nil {
			catalog.Errors = append(catalog.Errors, ValidationError{File: source, Path: "steps", Message: err.Error(), Severity: "error"})
			return
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			cp.extractStep(iter.Value(), key, "steps."+iter.Selector().String(), source, catalog)
		}
	case cue.ListKind:
		list, err := stepsVal.List()
		if err != nil {
			catalog.Errors = append(catalog.Errors, ValidationError{File: source, Path: "steps", Message: err.Error(), Severity: "error"})
			return
		}
		for idx := 0; list.Next(); idx++ {
			cp.extractStep(list.Value(), "", fmt.Sprintf("steps[%d]", idx), source, catalog)
		}
	default:
		catalog.Errors = append(catalog.Errors, ValidationError{
			File:     source,
			Path:     "steps",
			Message:  "steps must be a struct or a list",
			Severity: "error",
		})
	}
}

func (cp *CatalogParser) extractStep(val cue.Value, key, path, source string, catalog *Catalog) {
	if key != "" && !val.LookupPath(cue.ParsePath("name")).Exists() {
		val = val.FillPath(cue.ParsePath("name"), key)
	}

	if err := cp.registry.Check("step", val); err != nil {
		for _, ve := range cp.convertCUEErrors(err) {
			ve.Path = path
			if ve.File == "" {
				ve.File = source
			}
			catalog.Errors = append(catalog.Errors, ve)
		}
		return
	}

	var def StepDefinition
	if err := val.Decode(&def); err != nil {
		catalog.Errors = append(catalog.Errors, ValidationError{
			File:     source,
			Path:     path,
			Message:  fmt.Sprintf("failed to decode step: %v", err),
			Severity: "error",
		})
		return
	}
	if key != "" && def.Name != key {
		catalog.Errors = append(catalog.Errors, ValidationError{
			File:     source,
			Path:     path,
			Message:  fmt.Sprintf("step name %q does not match its key", def.Name),
			Severity: "error",
		})
		return
	}
	def.Source = source

	if err := ValidateStep(&def); err != nil {
		catalog.Errors = append(catalog.Errors, ValidationError{File: source, Path: path, Message: err.Error(), Severity: "error"})
		return
	}
	catalog.Steps = append(catalog.Steps, def)
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func (cp *CatalogParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		})
	}
	return out
}

// LoadFromDirectory returns the .cue files under dir, sorted.
func (cp *CatalogParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
