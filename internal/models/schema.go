package models

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed batch.schema.json
var batchSchemaJSON string

var batchSchema = jsonschema.MustCompileString("batch.schema.json", batchSchemaJSON)

// ErrMalformedJSON marks a batch payload that is not JSON at all.
var ErrMalformedJSON = errors.New("malformed batch JSON")

// ValidateBatchJSON checks a raw batch payload against the wire schema.
// Payloads that do not parse wrap ErrMalformedJSON; schema violations are
// *jsonschema.ValidationError.
func ValidateBatchJSON(data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return batchSchema.Validate(instance)
}
