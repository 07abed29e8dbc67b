package blueprint

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/nevindra/haven"
	"github.com/nevindra/haven/transport/openaicompat"
)

// Definition assembles a haven.AgentDefinition from the blueprint. Tools are
// live code, so they come from the caller's registry; everything declarative
// (guardrails, handoffs, critic, schema) is built here. Sub-agents need live
// engines and cannot be declared in TOML; attach them to the returned
// definition before constructing the engine.
func (b *Blueprint) Definition(reg *haven.ToolRegistry) (haven.AgentDefinition, error) {
	def := haven.AgentDefinition{
		Name:         b.Agent.Name,
		Instructions: b.Agent.Instructions,
		Model:        b.Agent.Model,
		MaxTurns:     b.Agent.MaxTurns,
		Registry:     reg,
		Temperature:  b.Agent.Temperature,
		MaxTokens:    b.Agent.MaxTokens,
	}

	if b.Agent.OutputSchema != "" {
		def.OutputSchema = json.RawMessage(b.Agent.OutputSchema)
	}

	var err error
	if def.InputGuardrails, err = buildGuardrails(b.Guardrails.Input); err != nil {
		return haven.AgentDefinition{}, err
	}
	if def.OutputGuardrails, err = buildGuardrails(b.Guardrails.Output); err != nil {
		return haven.AgentDefinition{}, err
	}

	for _, h := range b.Handoffs {
		def.Handoffs = append(def.Handoffs, haven.HandoffSpec{
			Target:    h.Target,
			Trigger:   h.Trigger,
			KeepTurns: h.KeepTurns,
		})
	}

	if b.Critic != nil {
		def.Critic = &haven.CriticSpec{
			Instructions: b.Critic.Instructions,
			Model:        b.Critic.Model,
			MaxRetries:   b.Critic.MaxRetries,
		}
	}

	return def, nil
}

// BuildTransport constructs the OpenAI-compatible transport declared in the
// [transport] block, wrapped in retry and rate-limit middleware when the
// blueprint enables them.
func (b *Blueprint) BuildTransport() haven.Transport {
	var copts []openaicompat.ClientOption
	if b.Transport.Name != "" {
		copts = append(copts, openaicompat.WithName(b.Transport.Name))
	}
	if b.Agent.Model != "" {
		copts = append(copts, openaicompat.WithDefaultModel(b.Agent.Model))
	}

	var t haven.Transport = openaicompat.New(b.Transport.BaseURL, b.Transport.APIKey, copts...)

	if b.Transport.RetryAttempts > 0 {
		ropts := []haven.RetryOption{haven.RetryMaxAttempts(b.Transport.RetryAttempts)}
		if b.Transport.RetryBaseDelay.Duration > 0 {
			ropts = append(ropts, haven.RetryBaseDelay(b.Transport.RetryBaseDelay.Duration))
		}
		t = haven.WithRetry(t, ropts...)
	}

	if b.Transport.RPM > 0 || b.Transport.TPM > 0 {
		var lopts []haven.RateLimitOption
		if b.Transport.RPM > 0 {
			lopts = append(lopts, haven.RPM(b.Transport.RPM))
		}
		if b.Transport.TPM > 0 {
			lopts = append(lopts, haven.TPM(b.Transport.TPM))
		}
		t = haven.WithRateLimit(t, lopts...)
	}

	return t
}

// Engine builds a ready engine: Definition + BuildTransport + haven.New.
func (b *Blueprint) Engine(reg *haven.ToolRegistry, opts ...haven.Option) (*haven.Engine, error) {
	def, err := b.Definition(reg)
	if err != nil {
		return nil, err
	}
	return haven.New(def, b.BuildTransport(), opts...)
}

func buildGuardrails(blocks []GuardrailBlock) ([]haven.Guardrail, error) {
	var rails []haven.Guardrail
	for _, gb := range blocks {
		g, err := buildGuardrail(gb)
		if err != nil {
			return nil, err
		}
		rails = append(rails, g)
	}
	return rails, nil
}

func buildGuardrail(gb GuardrailBlock) (haven.Guardrail, error) {
	switch gb.Kind {
	case "injection":
		var opts []haven.InjectionOption
		if len(gb.Phrases) > 0 {
			opts = append(opts, haven.InjectionPhrases(gb.Phrases...))
		}
		if len(gb.SkipLayers) > 0 {
			opts = append(opts, haven.SkipLayers(gb.SkipLayers...))
		}
		if len(gb.Patterns) > 0 {
			res, err := compilePatterns(gb.Patterns)
			if err != nil {
				return nil, err
			}
			opts = append(opts, haven.InjectionRegex(res...))
		}
		if gb.Reason != "" {
			opts = append(opts, haven.InjectionReason(gb.Reason))
		}
		return haven.NewInjectionGuard(opts...), nil

	case "keyword":
		g := haven.NewKeywordGuard(gb.Keywords...)
		if len(gb.Patterns) > 0 {
			res, err := compilePatterns(gb.Patterns)
			if err != nil {
				return nil, err
			}
			g = g.WithRegex(res...)
		}
		if gb.Reason != "" {
			g = g.WithReason(gb.Reason)
		}
		return g, nil

	case "length":
		g := haven.NewLengthGuard(gb.MaxRunes)
		if gb.Truncate {
			g = g.Truncating()
		}
		return g, nil
	}
	return nil, fmt.Errorf("blueprint: unknown guardrail kind %q", gb.Kind)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("blueprint: pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}
