package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrMissionKind  = attribute.Key("nightorder.mission.kind")
	AttrMissionRunID = attribute.Key("nightorder.mission.run_id")
	AttrMissionDepth = attribute.Key("nightorder.mission.depth")

	AttrStepID   = attribute.Key("nightorder.step.id")
	AttrStepTool = attribute.Key("nightorder.step.tool")

	AttrProbeKind   = attribute.Key("nightorder.probe.kind")
	AttrProbeTarget = attribute.Key("nightorder.probe.target")

	AttrErrorKind = attribute.Key("nightorder.error.kind")
)

// MissionOperation creates attributes for a mission run.
func MissionOperation(kind, runID string, depth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMissionKind.String(kind),
		AttrMissionRunID.String(runID),
		AttrMissionDepth.Int(depth),
	}
}

// StepOperation creates attributes for a mission step.
func StepOperation(stepID, tool string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStepID.String(stepID),
		AttrStepTool.String(tool),
	}
}

// ProbeOperation creates attributes for one evidence check.
func ProbeOperation(kind, target string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProbeKind.String(kind),
		AttrProbeTarget.String(target),
	}
}

// AddSpanEvent adds an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
