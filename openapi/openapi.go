// Package openapi synthesizes an OpenAPI 3.0 document from the mounted
// route table and the entity metadata registry, and serves it over HTTP.
package openapi

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/crudkit/crudkit/orm"
	"github.com/crudkit/crudkit/router"
)

// Info describes the API for the document header.
type Info struct {
	Title       string
	Version     string
	Description string
}

// Generator builds the document from mount records and entity metadata.
type Generator struct {
	info Info
	reg  *orm.Registry
}

// NewGenerator creates a generator. reg may be nil when no schema section
// is wanted.
func NewGenerator(info Info, reg *orm.Registry) *Generator {
	if info.Title == "" {
		info.Title = "API"
	}
	if info.Version == "" {
		info.Version = "0.0.0"
	}
	return &Generator{info: info, reg: reg}
}

// reChiParam matches one chi path parameter, with or without an inline
// pattern.
var reChiParam = regexp.MustCompile(`\{(\w+)(?::[^}]*)?\}`)

// Generate renders the document for the mounted routes.
func (g *Generator) Generate(mounts []router.MountInfo) map[string]any {
	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       g.info.Title,
			"version":     g.info.Version,
			"description": g.info.Description,
		},
		"paths": g.paths(mounts),
	}
	if g.reg != nil {
		doc["components"] = map[string]any{"schemas": g.schemas()}
	}
	return doc
}

func (g *Generator) paths(mounts []router.MountInfo) map[string]any {
	paths := map[string]any{}
	for _, m := range mounts {
		path := reChiParam.ReplaceAllString(m.Pattern, "{$1}")
		item, ok := paths[path].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[path] = item
		}
		item[strings.ToLower(m.Method)] = g.operation(m, path)
	}
	return paths
}

func (g *Generator) operation(m router.MountInfo, path string) map[string]any {
	tag := strings.Trim(m.Pattern, "/")
	if i := strings.IndexByte(tag, '/'); i >= 0 {
		tag = tag[:i]
	}
	op := map[string]any{
		"operationId": fmt.Sprintf("%s_%s", tag, m.Operation),
		"summary":     m.Summary,
		"description": m.Desc,
		"tags":        []string{tag},
		"responses": map[string]any{
			"200": map[string]any{"description": "Success envelope"},
			"400": map[string]any{"description": "Malformed request"},
			"404": map[string]any{"description": "Unknown resource"},
			"500": map[string]any{"description": "Internal Server Error"},
		},
	}
	if params := pathParams(path); len(params) > 0 {
		op["parameters"] = params
	}
	return op
}

func pathParams(path string) []map[string]any {
	matches := reChiParam.FindAllStringSubmatch(path, -1)
	params := make([]map[string]any, 0, len(matches))
	for _, match := range matches {
		params = append(params, map[string]any{
			"name":     match[1],
			"in":       "path",
			"required": true,
			"schema":   map[string]any{"type": "string"},
		})
	}
	return params
}

// schemas renders one object schema per registered entity. Scalar columns
// become free-typed strings; relations reference the target schema.
func (g *Generator) schemas() map[string]any {
	names := g.reg.Names()
	sort.Strings(names)

	schemas := map[string]any{}
	for _, name := range names {
		meta, ok := g.reg.Get(name)
		if !ok {
			continue
		}
		properties := map[string]any{}
		for _, col := range meta.Columns {
			properties[col] = map[string]any{"type": "string"}
		}
		for _, rel := range meta.Relations {
			ref := map[string]any{"$ref": "#/components/schemas/" + rel.Target}
			if rel.Kind == orm.ToMany {
				properties[rel.Name] = map[string]any{"type": "array", "items": ref}
			} else {
				properties[rel.Name] = ref
			}
		}
		schema := map[string]any{
			"type":       "object",
			"properties": properties,
		}
		if len(meta.PrimaryKeys) > 0 {
			schema["required"] = meta.PrimaryKeys
		}
		schemas[name] = schema
	}
	return schemas
}
