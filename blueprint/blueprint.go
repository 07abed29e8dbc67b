// Package blueprint loads declarative agent definitions from TOML documents
// and builds engines from them.
//
// A blueprint names everything an AgentDefinition needs except live code:
// tools come from a caller-supplied registry, and credentials come from the
// environment via ${ENV_VAR} references expanded at load time.
package blueprint

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Blueprint is one agent definition as declared in TOML.
type Blueprint struct {
	Agent      AgentBlock      `toml:"agent"`
	Transport  TransportBlock  `toml:"transport"`
	Guardrails GuardrailsBlock `toml:"guardrails"`
	Handoffs   []HandoffBlock  `toml:"handoffs"`
	Critic     *CriticBlock    `toml:"critic"`
}

// AgentBlock mirrors the behavioral fields of haven.AgentDefinition.
type AgentBlock struct {
	Name         string  `toml:"name"`
	Instructions string  `toml:"instructions"`
	Model        string  `toml:"model"`
	MaxTurns     int     `toml:"max_turns"`
	Temperature  float64 `toml:"temperature"`
	MaxTokens    int     `toml:"max_tokens"`
	// OutputSchema is an inline JSON Schema document. When set, the agent
	// runs in structured output mode.
	OutputSchema string `toml:"output_schema"`
}

// TransportBlock configures the OpenAI-compatible transport and its
// middleware. APIKey typically holds an ${ENV_VAR} reference.
type TransportBlock struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Name    string `toml:"name"`

	// Retry middleware: attempts > 0 wraps the transport in WithRetry.
	RetryAttempts  int      `toml:"retry_attempts"`
	RetryBaseDelay duration `toml:"retry_base_delay"`

	// Rate-limit middleware: either limit > 0 wraps the transport in
	// WithRateLimit.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

// GuardrailsBlock declares the input and output chains.
type GuardrailsBlock struct {
	Input  []GuardrailBlock `toml:"input"`
	Output []GuardrailBlock `toml:"output"`
}

// GuardrailBlock constructs one built-in guardrail by kind:
// "injection", "keyword", or "length".
type GuardrailBlock struct {
	Kind string `toml:"kind"`

	// keyword and injection
	Keywords []string `toml:"keywords"`
	Patterns []string `toml:"patterns"`
	Reason   string   `toml:"reason"`

	// injection
	Phrases    []string `toml:"phrases"`
	SkipLayers []int    `toml:"skip_layers"`

	// length
	MaxRunes int  `toml:"max_runes"`
	Truncate bool `toml:"truncate"`
}

// HandoffBlock mirrors haven.HandoffSpec.
type HandoffBlock struct {
	Target    string `toml:"target"`
	Trigger   string `toml:"trigger"`
	KeepTurns bool   `toml:"keep_turns"`
}

// CriticBlock mirrors haven.CriticSpec.
type CriticBlock struct {
	Instructions string `toml:"instructions"`
	Model        string `toml:"model"`
	MaxRetries   int    `toml:"max_retries"`
}

// duration wraps time.Duration so TOML values like "500ms" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Load reads a blueprint file, expands ${ENV_VAR} references, and parses it.
func Load(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blueprint: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${ENV_VAR} references and decodes the TOML document.
// An unset referenced variable is an error, so missing credentials surface
// at load time instead of as authentication failures mid-run.
func Parse(data []byte) (*Blueprint, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}

	var b Blueprint
	if err := toml.Unmarshal([]byte(expanded), &b); err != nil {
		return nil, fmt.Errorf("blueprint: parse: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

var envRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// expandEnv replaces ${NAME} references with environment values. Bare $NAME
// is left alone so prompt text keeps its dollar signs.
func expandEnv(s string) (string, error) {
	var missing string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := os.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return ref
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("blueprint: environment variable %q is not set", missing)
	}
	return out, nil
}

func (b *Blueprint) validate() error {
	if b.Agent.Name == "" {
		return fmt.Errorf("blueprint: agent.name is required")
	}
	if b.Agent.OutputSchema != "" && !json.Valid([]byte(b.Agent.OutputSchema)) {
		return fmt.Errorf("blueprint: agent.output_schema is not valid JSON")
	}
	for _, g := range append(append([]GuardrailBlock{}, b.Guardrails.Input...), b.Guardrails.Output...) {
		switch g.Kind {
		case "injection", "keyword", "length":
		default:
			return fmt.Errorf("blueprint: unknown guardrail kind %q", g.Kind)
		}
	}
	for _, h := range b.Handoffs {
		if h.Target == "" {
			return fmt.Errorf("blueprint: handoff target is required")
		}
	}
	if b.Critic != nil && b.Critic.Instructions == "" {
		return fmt.Errorf("blueprint: critic.instructions is required")
	}
	return nil
}
