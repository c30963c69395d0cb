package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Request body schemas.
const (
	schemaClient   = "client.json"
	schemaProcess  = "process.json"
	schemaMessage  = "message.json"
	schemaInsights = "insights.json"
)

const maxBodyBytes = 1 << 20

var schemas = mustCompileSchemas(schemaClient, schemaProcess, schemaMessage, schemaInsights)

func mustCompileSchemas(names ...string) map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			panic(fmt.Sprintf("missing schema %s: %v", name, err))
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid schema %s: %v", name, err))
		}
		url := "mem://schemas/" + name
		if err := c.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("failed to add schema %s: %v", name, err))
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("failed to compile schema %s: %v", name, err))
		}
		out[name] = sch
	}
	return out
}

// decodeValidated reads the request body, validates it against the named schema and decodes it
// into v. An empty body is validated as an empty object.
func decodeValidated(r *http.Request, schema string, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schemas[schema].Validate(doc); err != nil {
		return fmt.Errorf("request does not match schema: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
