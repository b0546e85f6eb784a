// Package policy loads the optional memory-policy document: the base prompt
// prefixed to injected context and the textual filters the ingestion pipeline
// applies to completed exchanges.
//
// The document is YAML, validated against an embedded JSON Schema before use
// so a typo'd key fails startup with a precise message instead of silently
// falling back to a default.
package policy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

//go:embed schema.json
var schemaJSON string

// Policy holds the operator-tunable textual knobs of the memory subsystem.
type Policy struct {
	// BasePrompt precedes injected memory entries in the synthetic system
	// message.
	BasePrompt string `yaml:"basePrompt"`

	// MinUserChars is the minimum user-turn length (inclusive) required for
	// ingestion.
	MinUserChars int `yaml:"minUserChars"`

	// MinAssistantChars is the minimum assistant-turn length (inclusive)
	// required for ingestion.
	MinAssistantChars int `yaml:"minAssistantChars"`

	// SkipPhrases drops assistant turns containing any of these
	// case-insensitive phrases.
	SkipPhrases []string `yaml:"skipPhrases"`
}

// Default returns the built-in policy used when no policy file is configured.
func Default() Policy {
	return Policy{
		BasePrompt:        memory.DefaultBasePrompt,
		MinUserChars:      memory.DefaultMinUserChars,
		MinAssistantChars: memory.DefaultMinAssistantChars,
		SkipPhrases:       memory.DefaultSkipPhrases(),
	}
}

// Load reads and validates the policy file at path. Keys absent from the
// document keep their defaults.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates a YAML policy document and merges it over the defaults.
func Parse(data []byte) (Policy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("policy: parse yaml: %w", err)
	}
	if doc == nil {
		return Default(), nil
	}

	if err := validate(doc); err != nil {
		return Policy{}, fmt.Errorf("policy: %w", err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: decode: %w", err)
	}
	return p, nil
}

// validate checks the decoded document against the embedded schema. The YAML
// value is round-tripped through encoding/json first so the validator sees
// the JSON type system it expects.
func validate(doc any) error {
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonBytes, &jsonDoc); err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policy.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile("policy.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if err := schema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("invalid policy document: %w", err)
	}
	return nil
}
