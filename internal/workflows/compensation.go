package workflows

import (
	"context"
	"encoding/json"

	"github.com/mortiscope/caseflow/engine"
)

// Compensation hooks run once, after a workflow's retries are exhausted.
// They are the only code that ever writes the failed status, so failure
// bookkeeping stays in one auditable place. Hooks never return an error to
// the caller and never panic; on an unexpected payload shape they log and
// bail instead of crashing the worker.

func analysisFailureHook(d Deps) engine.FailureHandler {
	return func(ctx context.Context, event engine.Event, runErr error) {
		caseID, ok := stringField(event.Payload, "caseId")
		if !ok {
			d.logger().ErrorContext(ctx, "failure hook: event payload has no caseId",
				"event", event.Name)
			return
		}
		if err := d.Store.MarkAnalysisFailed(ctx, caseID, runErr.Error()); err != nil {
			d.logger().ErrorContext(ctx, "failure hook: mark analysis failed",
				"event", event.Name, "case_id", caseID, "error", err)
		}
	}
}

func exportFailureHook(d Deps) engine.FailureHandler {
	return func(ctx context.Context, event engine.Event, runErr error) {
		exportID, ok := stringField(event.Payload, "exportId")
		if !ok {
			d.logger().ErrorContext(ctx, "failure hook: event payload has no exportId",
				"event", event.Name)
			return
		}
		if err := d.Store.MarkExportFailed(ctx, exportID, runErr.Error()); err != nil {
			d.logger().ErrorContext(ctx, "failure hook: mark export failed",
				"event", event.Name, "export_id", exportID, "error", err)
		}
	}
}

// stringField extracts a non-empty string field from a raw JSON payload.
// The hook receives the original event bytes, not the decoded input type,
// so the field is re-checked at runtime.
func stringField(payload json.RawMessage, key string) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", false
	}
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
