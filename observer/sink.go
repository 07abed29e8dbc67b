package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	haven "github.com/nevindra/haven"

	"go.opentelemetry.io/otel/attribute"
	havenlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Sink implements haven.EventSink: every run lifecycle event becomes an OTEL
// log record, and terminal events feed the run-level metrics. Pass it to
// haven.WithEventSink.
//
// Run duration is measured between the run_start (or resume) event and the
// run_end event of the same run ID, using the event timestamps.
type Sink struct {
	inst *Instruments

	mu     sync.Mutex
	starts map[string]time.Time
}

// NewSink returns a sink feeding the given instruments.
func NewSink(inst *Instruments) *Sink {
	return &Sink{inst: inst, starts: make(map[string]time.Time)}
}

// Emit is called from the run's drain goroutine. It must not block for long:
// counter adds and log emission are cheap, exporting happens in batches
// elsewhere.
func (s *Sink) Emit(ev haven.Event) {
	ctx := context.Background()

	switch ev.Name {
	case haven.EventRunStart, haven.EventResume:
		s.mu.Lock()
		s.starts[ev.RunID] = ev.Time
		s.mu.Unlock()

	case haven.EventRunEnd:
		status, _ := ev.Fields["status"].(string)
		s.inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(ev.AgentID),
			attribute.String("status", status),
		))

		s.mu.Lock()
		start, ok := s.starts[ev.RunID]
		delete(s.starts, ev.RunID)
		s.mu.Unlock()
		if ok {
			s.inst.RunDuration.Record(ctx, float64(ev.Time.Sub(start).Milliseconds()),
				metric.WithAttributes(AttrAgentName.String(ev.AgentID)))
		}

	case haven.EventToolCallEnd:
		tool, _ := ev.Fields["tool"].(string)
		status, _ := ev.Fields["status"].(string)
		s.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(tool),
			attribute.String("status", status),
		))

	case haven.EventGuardrailReject:
		stage, _ := ev.Fields["stage"].(string)
		rail, _ := ev.Fields["guardrail"].(string)
		s.inst.GuardrailRejects.Add(ctx, 1, metric.WithAttributes(
			AttrGuardrail.String(rail),
			AttrGuardrailStage.String(stage),
		))

	case haven.EventHandoff:
		target, _ := ev.Fields["target"].(string)
		s.inst.Handoffs.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(ev.AgentID),
			AttrHandoffTarget.String(target),
		))
	}

	s.log(ctx, ev)
}

func (s *Sink) log(ctx context.Context, ev haven.Event) {
	var rec havenlog.Record
	rec.SetTimestamp(ev.Time)
	rec.SetSeverity(havenlog.SeverityInfo)
	rec.SetBody(havenlog.StringValue(ev.Name))
	rec.AddAttributes(
		havenlog.String("run.id", ev.RunID),
		havenlog.String("agent.name", ev.AgentID),
	)
	for k, v := range ev.Fields {
		rec.AddAttributes(toLogAttr(k, v))
	}
	s.inst.Logger.Emit(ctx, rec)
}

// toLogAttr converts one event field to an OTEL log attribute.
func toLogAttr(k string, v any) havenlog.KeyValue {
	switch val := v.(type) {
	case string:
		return havenlog.String(k, val)
	case int:
		return havenlog.Int(k, val)
	case int64:
		return havenlog.Int64(k, val)
	case float64:
		return havenlog.Float64(k, val)
	case bool:
		return havenlog.Bool(k, val)
	default:
		return havenlog.String(k, fmt.Sprintf("%v", val))
	}
}

// compile-time check
var _ haven.EventSink = (*Sink)(nil)
