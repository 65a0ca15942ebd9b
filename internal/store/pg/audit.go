package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"brightdesk.io/crm/internal/audit"
)

// AppendAudit inserts one row. audit_log has no update or delete path here and
// a trigger rejects both at the database.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	md, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	var userID sql.NullString
	if e.UserID != nil {
		userID = nullIfEmpty(*e.UserID)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log(id, user_id, entity_type, entity_id, action, metadata, created_at)
		values ($1,$2,$3,$4,$5,$6::jsonb,$7)
	`, e.ID, userID, string(e.EntityType), e.EntityID, string(e.Action), string(md), e.CreatedAt)
	return err
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", string(f.EntityType))
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	switch {
	case !f.Before.IsZero() && f.BeforeID != "":
		args = append(args, f.Before, f.BeforeID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	case !f.Before.IsZero():
		add("created_at < $%d", f.Before)
	}

	query := `select id, user_id, entity_type, entity_id, action, metadata, created_at from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" order by created_at desc, id desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			userID sql.NullString
			entity string
			action string
			raw    []byte
		)
		if err := rows.Scan(&e.ID, &userID, &entity, &e.EntityID, &action, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EntityType, e.Action = audit.EntityType(entity), audit.Action(action)
		if userID.Valid {
			v := userID.String
			e.UserID = &v
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
