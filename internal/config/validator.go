package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/config-v1.json
var configSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

var (
	defaultValidator     *Validator
	defaultValidatorErr  error
	defaultValidatorOnce sync.Once
)

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("config-v1.json",
		strings.NewReader(configSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("config-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// Validate checks a raw JSON document against the config schema.
func (v *Validator) Validate(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %w", ErrConfig, err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema validation failed: %w", ErrConfig, err)
	}

	return nil
}

// ValidateSettings validates the merged viper settings (file, env and defaults).
func ValidateSettings(settings map[string]interface{}) error {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	if defaultValidatorErr != nil {
		return fmt.Errorf("%w: %w", ErrConfig, defaultValidatorErr)
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal settings: %w", ErrConfig, err)
	}

	return defaultValidator.Validate(data)
}
