package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas for the mutating API routes.
var bodySchemas = map[string]string{
	"enqueue": `{
		"type": "object",
		"required": ["platform", "action", "text"],
		"properties": {
			"agent_id": {"type": "string"},
			"platform": {"type": "string", "minLength": 1},
			"action":   {"enum": ["post", "reply"]},
			"text":     {"type": "string", "minLength": 1},
			"meta":     {"type": "object"}
		},
		"additionalProperties": false
	}`,
	"alarm": `{
		"type": "object",
		"required": ["schedule", "prompt"],
		"properties": {
			"schedule":   {"type": "string", "minLength": 1},
			"prompt":     {"type": "string", "minLength": 1},
			"channel_id": {"type": "string"},
			"created_by": {"type": "string"},
			"timezone":   {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"enabled": `{
		"type": "object",
		"required": ["enabled"],
		"properties": {"enabled": {"type": "boolean"}},
		"additionalProperties": false
	}`,
	"nudge": `{
		"type": "object",
		"properties": {
			"dopamine": {"type": "number"},
			"cortisol": {"type": "number"}
		},
		"minProperties": 1,
		"additionalProperties": false
	}`,
	"sentiment": `{
		"type": "object",
		"required": ["score"],
		"properties": {"score": {"type": "number"}},
		"additionalProperties": false
	}`,
	"usage": `{
		"type": "object",
		"required": ["agent_id", "calls"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"calls":    {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
}

// bodyValidator holds the compiled body schemas.
type bodyValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newBodyValidator() (*bodyValidator, error) {
	c := jsonschema.NewCompiler()
	for name, src := range bodySchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", name, err)
		}
		if err := c.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
	}
	v := &bodyValidator{schemas: make(map[string]*jsonschema.Schema, len(bodySchemas))}
	for name := range bodySchemas {
		schema, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// bodyError is a request body that could not be read or failed its schema.
type bodyError struct {
	status int
	msg    string
}

func (e *bodyError) Error() string { return e.msg }

// decode reads the request body, validates it against the named schema and
// unmarshals it into dst.
func (v *bodyValidator) decode(r *http.Request, name string, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &bodyError{status: http.StatusRequestEntityTooLarge, msg: "request body too large"}
		}
		return &bodyError{status: http.StatusBadRequest, msg: "read body: " + err.Error()}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &bodyError{status: http.StatusBadRequest, msg: "request body required"}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &bodyError{status: http.StatusBadRequest, msg: "invalid JSON: " + err.Error()}
	}
	if err := v.schemas[name].Validate(doc); err != nil {
		return &bodyError{status: http.StatusUnprocessableEntity, msg: "schema validation failed: " + err.Error()}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &bodyError{status: http.StatusBadRequest, msg: "decode body: " + err.Error()}
	}
	return nil
}
