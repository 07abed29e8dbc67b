package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM and run observability spans and metrics.
var (
	AttrLLMModel     = attribute.Key("llm.model")
	AttrLLMTransport = attribute.Key("llm.transport")
	AttrLLMMethod    = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolName = attribute.Key("tool.name")

	AttrAgentName      = attribute.Key("agent.name")
	AttrGuardrail      = attribute.Key("guardrail.name")
	AttrGuardrailStage = attribute.Key("guardrail.stage")
	AttrHandoffTarget  = attribute.Key("handoff.target")
)
