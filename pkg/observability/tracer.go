// Package observability provides tracing helpers shared by providers and
// the agent loop. Without a registered trace provider the tracers are
// no-ops, so instrumented code pays nothing in the default setup.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrAgentID         = "agent.id"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrToolName        = "tool.name"
	AttrErrorType       = "error.type"

	SpanTurn          = "agent.turn"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
)

// GetTracer returns a tracer from the globally registered provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
