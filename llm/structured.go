package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ObjectOptions configures GenerateObject. SchemaName labels the schema
// for providers that require a name.
type ObjectOptions struct {
	Model      string
	Provider   string
	Prompt     string
	Messages   []Message
	System     string
	Schema     map[string]any
	SchemaName string

	MaxTokens   int
	Temperature *float64
	Retry       *RetryConfig
}

// ObjectResult carries the parsed object plus the underlying generation.
type ObjectResult struct {
	Object map[string]any
	Raw    string
	Result *GenerateResult
}

// GenerateObject produces schema-constrained output. The extraction
// strategy depends on the provider family: responses-style providers use
// a strict JSON-schema response format, content-parts providers the
// non-strict variant, and messages-style providers a forced single tool
// whose parameters are the schema.
func GenerateObject(ctx context.Context, client *Client, opts ObjectOptions) (*ObjectResult, error) {
	if len(opts.Schema) == 0 {
		return nil, fmt.Errorf("generate object: schema required")
	}
	name := opts.SchemaName
	if name == "" {
		name = "output"
	}

	gen := GenerateOptions{
		Model:       opts.Model,
		Provider:    opts.Provider,
		Prompt:      opts.Prompt,
		Messages:    opts.Messages,
		System:      opts.System,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Retry:       opts.Retry,
	}

	useToolTrick := providerFamily(opts.Provider) == familyMessages
	if useToolTrick {
		// Messages-style providers have no native JSON-schema response
		// format: declare one tool shaped like the schema, force it, and
		// read the structured output from the call arguments.
		zero := 0
		gen.Tools = []Tool{{
			Name:        name,
			Description: "Produce the structured output.",
			Parameters:  opts.Schema,
		}}
		gen.ToolChoice = &ToolChoice{Mode: ToolChoiceNamed, Name: name}
		gen.MaxToolRounds = &zero
	} else {
		gen.ResponseFormat = &ResponseFormat{
			Type:   "json_schema",
			Name:   name,
			Schema: opts.Schema,
			Strict: providerFamily(opts.Provider) == familyResponses,
		}
	}

	result, err := Generate(ctx, client, gen)
	if err != nil {
		return nil, err
	}

	var raw string
	if useToolTrick {
		calls := result.ToolCalls
		if len(calls) == 0 {
			return nil, &NoObjectGeneratedError{Reason: "model produced no tool call", Raw: result.Text}
		}
		raw = calls[0].RawArgs
		if raw == "" && calls[0].Args != nil {
			if b, merr := json.Marshal(calls[0].Args); merr == nil {
				raw = string(b)
			}
		}
	} else {
		raw = result.Text
	}
	if strings.TrimSpace(raw) == "" {
		return nil, &NoObjectGeneratedError{Reason: "empty output"}
	}

	obj, perr := parseObject(raw)
	if perr != nil {
		return nil, &NoObjectGeneratedError{Reason: perr.Error(), Raw: raw}
	}

	if err := validateAgainstSchema(obj, opts.Schema); err != nil {
		return nil, &NoObjectGeneratedError{Reason: err.Error(), Raw: raw}
	}

	return &ObjectResult{Object: obj, Raw: raw, Result: result}, nil
}

// parseObject parses JSON, repairing near-miss output (markdown fences,
// trailing commas) before giving up.
func parseObject(raw string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, nil
	}
	repaired, rerr := jsonrepair.JSONRepair(raw)
	if rerr != nil {
		return nil, fmt.Errorf("output is not valid JSON")
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil, fmt.Errorf("output is not a JSON object")
	}
	return obj, nil
}

func validateAgainstSchema(obj map[string]any, schema map[string]any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", toPlainJSON(schema)); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if err := compiled.Validate(toPlainJSON(obj)); err != nil {
		return fmt.Errorf("output does not match schema: %w", err)
	}
	return nil
}

// toPlainJSON round-trips a value through encoding/json so the validator
// sees canonical JSON types.
func toPlainJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

type family int

const (
	familyChat family = iota
	familyMessages
	familyResponses
	familyContentParts
)

// providerFamily classifies a provider name into its wire-format family.
func providerFamily(provider string) family {
	switch strings.ToLower(provider) {
	case "anthropic":
		return familyMessages
	case "openai":
		return familyResponses
	case "google", "gemini":
		return familyContentParts
	default:
		return familyChat
	}
}
