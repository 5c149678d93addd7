// Package schemavalidation checks JSON request and certificate documents
// against the embedded mindprint schemas before they are decoded.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names.
const (
	IngestBatch        = "ingest-batch"
	Classify           = "classify"
	CertificateInput   = "certificate-input"
	SessionFinish      = "session-finish"
	Analyze            = "analyze"
	CertificatePayload = "certificate-payload"
)

const baseURL = "https://mindprint.local/schema/"

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Errors
var (
	ErrUnknownSchema = errors.New("schemavalidation: unknown schema")
	ErrInvalidJSON   = errors.New("schemavalidation: invalid JSON")
	ErrInvalid       = errors.New("schemavalidation: document does not match schema")
)

// Error describes the first violation found, located by JSON pointer.
type Error struct {
	Schema   string
	Location string
	Message  string
}

func (e *Error) Error() string {
	loc := e.Location
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("schemavalidation: %s: %s: %s", e.Schema, loc, e.Message)
}

// Is makes errors.Is(err, ErrInvalid) hold for every *Error.
func (e *Error) Is(target error) bool { return target == ErrInvalid }

// Validator holds the compiled schemas. It is safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}

	var names []string
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(baseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".schema.json"))
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := c.Compile(baseURL + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// Default returns a process-wide validator, compiled on first use.
func Default() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = New()
	})
	return defaultValidator, defaultErr
}

// Names lists the compiled schemas.
func (v *Validator) Names() []string {
	names := make([]string, 0, len(v.schemas))
	for n := range v.schemas {
		names = append(names, n)
	}
	return names
}

// Validate checks raw JSON against the named schema.
func (v *Validator) Validate(name string, data []byte) error {
	doc, err := decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return v.ValidateValue(name, doc)
}

// decode reads exactly one JSON value, keeping numbers as json.Number so
// integer checks see the literal the client sent.
func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return doc, nil
}

// ValidateValue checks an already decoded document (maps, slices, strings,
// float64 or json.Number) against the named schema.
func (v *Validator) ValidateValue(name string, doc any) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	err := s.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	leaf := deepest(ve)
	return &Error{Schema: name, Location: leaf.InstanceLocation, Message: leaf.Message}
}

// deepest follows the first cause chain to the most specific violation.
func deepest(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
