package trace

import (
	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
)

// fold merges bus events tagged with an active trace_id into the record.
func (t *Tracer) fold(e eventbus.Event) {
	id := e.String("trace_id")
	if id == "" {
		return
	}
	ts := e.Timestamp
	_ = t.with(id, func(r *Record) {
		switch e.Type {
		case eventbus.StepEnd:
			r.Steps = append(r.Steps, Step{
				Name:      e.String("step_id"),
				Status:    e.String("status"),
				Timestamp: ts,
				Details:   detailsOf(e, "error", "kind", "tool"),
			})
		case eventbus.ToolCall:
			ok, _ := e.Payload["success"].(bool)
			args, _ := e.Payload["args"].(map[string]any)
			r.ToolCalls = append(r.ToolCalls, ToolCall{
				Tool:      e.String("tool"),
				Args:      args,
				Success:   ok,
				Summary:   e.String("summary"),
				Timestamp: ts,
			})
			if p := e.String("path"); p != "" && ok {
				r.Artifacts = append(r.Artifacts, Artifact{Path: p, Kind: e.String("tool"), Timestamp: ts})
			}
		case eventbus.Handoff, eventbus.HandoffBlocked:
			r.Handoffs = append(r.Handoffs, Handoff{
				From:      e.String("from"),
				To:        e.String("to"),
				Success:   e.Type == eventbus.Handoff,
				Timestamp: ts,
			})
		case eventbus.ApprovalGranted, eventbus.ApprovalDenied, eventbus.ApprovalTimeout:
			r.Approvals = append(r.Approvals, Approval{
				RequestID: e.String("request_id"),
				Tool:      e.String("tool"),
				Outcome:   e.String("outcome"),
				Reason:    e.String("reason"),
				Timestamp: ts,
			})
		case eventbus.Error:
			r.Errors = append(r.Errors, ErrorEntry{
				Kind:      e.String("kind"),
				Message:   e.String("message"),
				Timestamp: ts,
			})
		}
	})
}

func detailsOf(e eventbus.Event, keys ...string) map[string]any {
	var out map[string]any
	for _, k := range keys {
		if v, ok := e.Payload[k]; ok {
			if out == nil {
				out = make(map[string]any)
			}
			out[k] = v
		}
	}
	return out
}
