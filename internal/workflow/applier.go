package workflow

import (
	"context"
	"fmt"
	"time"

	"parcela.org/internal/audit"
	"parcela.org/internal/ids"
)

// ApplyChanges writes one history row per proposed field and patches the
// target with every new value in a single update. It must run inside the
// unit of work that approved w.
func ApplyChanges(ctx context.Context, uow UnitOfWork, w Workflow, deciderID string, at time.Time) (int, error) {
	fields := w.Changes.Fields()
	patch := make(map[string]Value, len(fields))
	reason := fmt.Sprintf("Applied from approved workflow %s", w.ID)
	for _, name := range fields {
		fc := w.Changes[name]
		h := ChangeHistory{
			ID:         ids.NewAt(at),
			TargetID:   w.TargetID,
			WorkflowID: w.ID,
			FieldName:  name,
			OldValue:   fc.Old.TextPtr(),
			NewValue:   fc.New.TextPtr(),
			ChangeType: ChangeUpdate,
			ChangedBy:  deciderID,
			ChangedAt:  at,
			Reason:     reason,
		}
		if err := uow.InsertHistory(ctx, h); err != nil {
			return 0, fmt.Errorf("record history for %s: %w", name, err)
		}
		patch[name] = fc.New
	}
	if err := uow.UpdateTarget(ctx, w.TargetID, patch, deciderID, at); err != nil {
		return 0, fmt.Errorf("update target %s: %w", w.TargetID, err)
	}
	return len(fields), nil
}

// AuditChanges converts proposed changes to the audit diff shape.
func AuditChanges(c Changes) map[string]audit.FieldDiff {
	out := make(map[string]audit.FieldDiff, len(c))
	for name, fc := range c {
		out[name] = audit.FieldDiff{Old: fc.Old.TextPtr(), New: fc.New.TextPtr()}
	}
	return out
}
