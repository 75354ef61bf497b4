package nlp

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed result.schema.json
var resultSchema string

// Validator checks raw model output against the Result JSON schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded result schema.
func NewValidator() (*Validator, error) {
	s, err := jsonschema.CompileString("result.schema.json", resultSchema)
	if err != nil {
		return nil, fmt.Errorf("nlp: compile result schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Parse decodes raw into a Result. Any decode or schema failure is reported
// as ErrMalformedOutput.
func (v *Validator) Parse(raw string) (*Result, error) {
	raw = stripFences(raw)

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return &res, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
