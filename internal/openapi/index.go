// Package openapi loads the aiBridge OpenAPI document and indexes its
// operations by operationId and by route.
package openapi

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
}

// Index is an in-memory index of the backend's operations. A nil *Index is
// valid and empty.
type Index struct {
	byID    map[string]IndexedOperation // operationId → op
	byRoute map[string]IndexedOperation // "GET /agents" → op
	server  string
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{
		byID:    make(map[string]IndexedOperation),
		byRoute: make(map[string]IndexedOperation),
	}
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + normalizePath(path)
}

// normalizePath trims a trailing slash and renames path parameters so
// "/agents/{agentId}" and "/agents/{id}" compare equal.
func normalizePath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			parts[i] = "{}"
		}
	}
	return strings.Join(parts, "/")
}

// Load parses and validates the spec at path and indexes all operations.
// Operations without an operationId are still indexed by route.
func (idx *Index) Load(path string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("openapi: loading %s: %w", path, err)
	}
	return idx.add(doc)
}

// LoadData is Load for an in-memory document.
func (idx *Index) LoadData(data []byte) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: parsing document: %w", err)
	}
	return idx.add(doc)
}

func (idx *Index) add(doc *openapi3.T) error {
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating: %w", err)
	}
	if len(doc.Servers) > 0 {
		idx.server = doc.Servers[0].URL
	}

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			indexed := IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
			}
			idx.byRoute[routeKey(method, path)] = indexed
			if op.OperationID != "" {
				idx.byID[op.OperationID] = indexed
			}
		}
	}
	return nil
}

// Operation returns the operation with the given operationId.
func (idx *Index) Operation(operationID string) (IndexedOperation, bool) {
	if idx == nil {
		return IndexedOperation{}, false
	}
	op, ok := idx.byID[operationID]
	return op, ok
}

// Route returns the operation serving method on path. Path parameter
// names are ignored when matching.
func (idx *Index) Route(method, path string) (IndexedOperation, bool) {
	if idx == nil {
		return IndexedOperation{}, false
	}
	op, ok := idx.byRoute[routeKey(method, path)]
	return op, ok
}

// Routes returns every indexed route as "METHOD /path", sorted.
func (idx *Index) Routes() []string {
	if idx == nil {
		return nil
	}
	routes := make([]string, 0, len(idx.byRoute))
	for _, op := range idx.byRoute {
		routes = append(routes, op.Method+" "+op.PathTemplate)
	}
	sort.Strings(routes)
	return routes
}

// Len returns the number of indexed operations.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.byRoute)
}

// Server returns the first server URL declared by the document.
func (idx *Index) Server() string {
	if idx == nil {
		return ""
	}
	return idx.server
}

// RequiredBodyFields returns the required top-level properties of the
// JSON request body accepted by method on path.
func (idx *Index) RequiredBodyFields(method, path string) []string {
	op, ok := idx.Route(method, path)
	if !ok || op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}
	req := append([]string(nil), ct.Schema.Value.Required...)
	sort.Strings(req)
	return req
}
