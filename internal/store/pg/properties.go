package pg

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"parcela.org/internal/errs"
	"parcela.org/internal/workflow"
)

type propertyColumn struct {
	name string
	kind workflow.Kind
}

// propertyColumns maps proposed field names to columns of the properties
// table. Every column is nullable except mortgaged.
var propertyColumns = map[string]propertyColumn{
	"cadastralNumber": {"cadastral_number", workflow.KindString},
	"registeredOwner": {"registered_owner", workflow.KindString},
	"address":         {"address", workflow.KindString},
	"areaSqm":         {"area_sqm", workflow.KindNumber},
	"landUse":         {"land_use", workflow.KindString},
	"status":          {"status", workflow.KindString},
	"encumbrance":     {"encumbrance", workflow.KindString},
	"mortgaged":       {"mortgaged", workflow.KindBool},
	"latitude":        {"latitude", workflow.KindNumber},
	"longitude":       {"longitude", workflow.KindNumber},
	"surveyedAt":      {"surveyed_at", workflow.KindTimestamp},
	"deletedAt":       {"deleted_at", workflow.KindTimestamp},
}

// PropertyFields lists the field names a workflow may propose.
func PropertyFields() []string {
	out := make([]string, 0, len(propertyColumns))
	for name := range propertyColumns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckFields rejects proposed fields the properties table does not have
// and values of the wrong kind.
func (s *Store) CheckFields(c workflow.Changes) error {
	for _, name := range c.Fields() {
		if err := checkPropertyValue(name, c[name].New); err != nil {
			return err
		}
	}
	return nil
}

func checkPropertyValue(name string, v workflow.Value) error {
	col, ok := propertyColumns[name]
	if !ok {
		return fmt.Errorf("%w: unknown property field %q", errs.ErrInvalidInput, name)
	}
	if v.IsNull() {
		if col.name == "mortgaged" {
			return fmt.Errorf("%w: field %q cannot be null", errs.ErrInvalidInput, name)
		}
		return nil
	}
	if v.Kind() != col.kind {
		return fmt.Errorf("%w: field %q expects %s, got %s", errs.ErrInvalidInput, name, col.kind, v.Kind())
	}
	return nil
}

// updateProperty applies the whole patch in one statement, in field name
// order.
func updateProperty(ctx context.Context, db execer, targetID string, patch map[string]workflow.Value, updatedBy string, at time.Time) error {
	if len(patch) == 0 {
		return fmt.Errorf("%w: empty patch", errs.ErrInvalidInput)
	}
	fields := make([]string, 0, len(patch))
	for name := range patch {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	var (
		sets []string
		args []any
	)
	for _, name := range fields {
		v := patch[name]
		if err := checkPropertyValue(name, v); err != nil {
			return err
		}
		args = append(args, v.Native())
		sets = append(sets, fmt.Sprintf("%s = $%d", propertyColumns[name].name, len(args)))
	}
	args = append(args, updatedBy)
	sets = append(sets, fmt.Sprintf("last_updated_by = $%d", len(args)))
	args = append(args, at)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, targetID)
	query := fmt.Sprintf(`update properties set %s where id = $%d`, strings.Join(sets, ", "), len(args))

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: property %s", errs.ErrNotFound, targetID)
	}
	return nil
}
