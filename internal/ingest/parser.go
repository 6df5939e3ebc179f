package ingest

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/catalog"
)

// maxSchemaDepth bounds $ref flattening so cyclic schemas terminate.
const maxSchemaDepth = 200

// Parser turns OpenAPI documents into catalog endpoints.
type Parser struct {
	maxDepth int
}

func NewParser(maxDepth int) *Parser {
	if maxDepth <= 0 || maxDepth > maxSchemaDepth {
		maxDepth = maxSchemaDepth
	}
	return &Parser{maxDepth: maxDepth}
}

// ParseURL loads a spec from a URL and extracts its endpoints.
func (p *Parser) ParseURL(ctx context.Context, integrationID uuid.UUID, specURL string) ([]catalog.Endpoint, error) {
	u, err := url.Parse(specURL)
	if err != nil {
		return nil, fmt.Errorf("invalid spec url: %w", err)
	}
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true
	doc, err := loader.LoadFromURI(u)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	return p.extract(integrationID, doc)
}

// ParseData loads a spec from raw bytes and extracts its endpoints.
func (p *Parser) ParseData(ctx context.Context, integrationID uuid.UUID, data []byte) ([]catalog.Endpoint, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	return p.extract(integrationID, doc)
}

// extract walks every path operation and flattens its schemas. Paths are
// visited in sorted order so the extraction is deterministic.
func (p *Parser) extract(integrationID uuid.UUID, doc *openapi3.T) ([]catalog.Endpoint, error) {
	if doc.Paths == nil {
		return nil, fmt.Errorf("spec has no paths")
	}
	pathMap := doc.Paths.Map()
	paths := make([]string, 0, len(pathMap))
	for path := range pathMap {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var out []catalog.Endpoint
	for _, path := range paths {
		item := pathMap[path]
		for _, method := range orderedMethods {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			ep := catalog.Endpoint{
				IntegrationID: integrationID,
				Method:        method,
				Path:          path,
				Description:   intentOf(op),
				Parameters:    p.parameters(item, op),
				Body:          p.requestBody(op),
				Response:      p.responseBody(op),
			}
			out = append(out, ep)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("spec defines no operations")
	}
	return out, nil
}

var orderedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// intentOf prefers the operation summary, then description, then a synthetic
// phrase so every endpoint has searchable intent text.
func intentOf(op *openapi3.Operation) string {
	if s := strings.TrimSpace(op.Summary); s != "" {
		if d := strings.TrimSpace(op.Description); d != "" && d != s {
			return s + ". " + d
		}
		return s
	}
	if d := strings.TrimSpace(op.Description); d != "" {
		return d
	}
	return strings.TrimSpace(op.OperationID)
}

func (p *Parser) parameters(item *openapi3.PathItem, op *openapi3.Operation) []catalog.Field {
	all := append(openapi3.Parameters{}, item.Parameters...)
	all = append(all, op.Parameters...)
	var out []catalog.Field
	for _, ref := range all {
		param := ref.Value
		if param == nil || param.In == "header" || param.In == "cookie" {
			continue
		}
		f := catalog.Field{
			Key:      param.Name,
			Type:     "string",
			Required: param.Required || param.In == "path",
		}
		if param.Description != "" {
			f.Description = param.Description
		}
		if param.Schema != nil && param.Schema.Value != nil {
			sf := p.flatten(param.Name, param.Schema.Value, f.Required, 0, map[*openapi3.Schema]bool{})
			sf.Description = firstNonEmpty(f.Description, sf.Description)
			sf.Required = f.Required
			f = sf
		}
		out = append(out, f)
	}
	return out
}

func (p *Parser) requestBody(op *openapi3.Operation) []catalog.Field {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	media := op.RequestBody.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}
	root := p.flatten("", media.Schema.Value, op.RequestBody.Value.Required, 0, map[*openapi3.Schema]bool{})
	return bodyFields(root)
}

func (p *Parser) responseBody(op *openapi3.Operation) []catalog.Field {
	if op.Responses == nil {
		return nil
	}
	for _, status := range []string{"200", "201", "default"} {
		ref := op.Responses.Value(status)
		if ref == nil || ref.Value == nil {
			continue
		}
		media := ref.Value.Content.Get("application/json")
		if media == nil || media.Schema == nil || media.Schema.Value == nil {
			continue
		}
		root := p.flatten("", media.Schema.Value, false, 0, map[*openapi3.Schema]bool{})
		return bodyFields(root)
	}
	return nil
}

// bodyFields unwraps an object root into its properties; any other shape is
// returned as a single field.
func bodyFields(root catalog.Field) []catalog.Field {
	if root.Type == "object" && len(root.Fields) > 0 {
		return root.Fields
	}
	if root.Type == "" && len(root.Fields) == 0 {
		return nil
	}
	if root.Key == "" {
		root.Key = "body"
	}
	return []catalog.Field{root}
}

// flatten resolves a schema into the catalog field tree. kin-openapi has
// already resolved $refs; the visited set plus depth cap terminate cycles.
func (p *Parser) flatten(key string, schema *openapi3.Schema, required bool, depth int, visited map[*openapi3.Schema]bool) catalog.Field {
	f := catalog.Field{
		Key:         key,
		Type:        schemaType(schema),
		Description: schema.Description,
		Required:    required,
	}
	if depth >= p.maxDepth || visited[schema] {
		return f
	}
	visited[schema] = true
	defer delete(visited, schema)

	switch f.Type {
	case "object":
		requiredSet := make(map[string]bool, len(schema.Required))
		for _, name := range schema.Required {
			requiredSet[name] = true
		}
		names := make([]string, 0, len(schema.Properties))
		for name := range schema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ref := schema.Properties[name]
			if ref == nil || ref.Value == nil {
				continue
			}
			f.Fields = append(f.Fields, p.flatten(name, ref.Value, requiredSet[name], depth+1, visited))
		}
	case "array":
		if schema.Items != nil && schema.Items.Value != nil {
			item := p.flatten("items", schema.Items.Value, false, depth+1, visited)
			f.Fields = []catalog.Field{item}
		}
	}
	return f
}

func schemaType(schema *openapi3.Schema) string {
	if schema.Type != nil && len(*schema.Type) > 0 {
		return (*schema.Type)[0]
	}
	if len(schema.Properties) > 0 {
		return "object"
	}
	if schema.Items != nil {
		return "array"
	}
	return "string"
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
