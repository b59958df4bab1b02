package injector

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/rudderlabs/rudder-go-kit/jsonrs"
)

// Config is the operator-supplied injection configuration for one
// environment. It is a JSON document with exactly these three top-level
// keys; an absent key means no configuration for that concern. It is
// read-only input to the transform step.
type Config struct {
	// RecordTypeOverrides forces a record sub-type per object type. Values
	// are resolved against describe metadata by id, display name or
	// internal name, in that order.
	RecordTypeOverrides map[string]string `json:"recordTypeOverrides" mapstructure:"recordTypeOverrides"`
	// FieldMappings renames source fields to target fields per object type.
	FieldMappings map[string]map[string]string `json:"fieldMappings" mapstructure:"fieldMappings"`
	// FieldDefaults fills values for fields the generator left empty.
	FieldDefaults map[string]map[string]any `json:"fieldDefaults" mapstructure:"fieldDefaults"`
}

// ParseConfig decodes an injection configuration document.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := jsonrs.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing injection config: %w", err)
	}
	return &cfg, nil
}

// DecodeConfig builds a Config from an already-decoded generic map, the
// shape the surrounding system stores it in.
func DecodeConfig(in map[string]any) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(in); err != nil {
		return nil, fmt.Errorf("decoding injection config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) mappingsFor(objectType string) map[string]string {
	if c == nil {
		return nil
	}
	return c.FieldMappings[objectType]
}

func (c *Config) defaultsFor(objectType string) map[string]any {
	if c == nil {
		return nil
	}
	return c.FieldDefaults[objectType]
}

func (c *Config) recordTypeOverrideFor(objectType string) string {
	if c == nil {
		return ""
	}
	return c.RecordTypeOverrides[objectType]
}
