package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"parcela.org/internal/audit"
)

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	if s.db == nil {
		return errors.New(errDatabaseUnavailableText)
	}
	return insertAudit(ctx, s.db, *e)
}

func (s *Store) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errors.New(errDatabaseUnavailableText)
	}
	f = f.Normalize()
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("entity_type", f.EntityType)
	add("entity_id", f.EntityID)
	add("actor_id", f.ActorID)
	add("action", string(f.Action))

	query := `
		select id, action, entity_type, entity_id, actor_id, changes, metadata, ip_address, user_agent, occurred_at
		from audit_logs`
	if len(where) > 0 {
		query += "\n\t\twhere " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf("\n\t\torder by occurred_at desc, id desc\n\t\tlimit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e                       audit.Entry
			action                  string
			actor, ip, ua           sql.NullString
			rawChanges, rawMetadata []byte
		)
		if err := rows.Scan(&e.ID, &action, &e.EntityType, &e.EntityID, &actor, &rawChanges, &rawMetadata, &ip, &ua, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		e.ActorID = actor.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		e.OccurredAt = e.OccurredAt.UTC()
		if len(rawChanges) > 0 {
			if err := json.Unmarshal(rawChanges, &e.Changes); err != nil {
				return nil, fmt.Errorf("decode audit changes: %w", err)
			}
		}
		if len(rawMetadata) > 0 {
			if err := json.Unmarshal(rawMetadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func insertAudit(ctx context.Context, db execer, e audit.Entry) error {
	changes, err := jsonOrNull(e.Changes, len(e.Changes))
	if err != nil {
		return fmt.Errorf("marshal audit changes: %w", err)
	}
	metadata, err := jsonOrNull(e.Metadata, len(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		insert into audit_logs (id, action, entity_type, entity_id, actor_id, changes, metadata, ip_address, user_agent, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, string(e.Action), e.EntityType, e.EntityID, nullIfEmpty(e.ActorID), changes, metadata,
		nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent), e.OccurredAt)
	return err
}

func jsonOrNull(v any, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
