package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const roleColumns = `id, user_id, arrow_id, type, is_invited, is_requested, create_date`

func scanRole(row rowScanner) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.UserID, &r.ArrowID, &r.Type, &r.IsInvited, &r.IsRequested, &r.CreateDate)
	return r, err
}

// GetRole returns the user's role on an abstract, or nil when none exists.
func (s *PostgresStore) GetRole(ctx context.Context, userID, arrowID string) (*Role, error) {
	role, err := scanRole(s.q.QueryRowContext(ctx, `
		SELECT `+roleColumns+` FROM roles WHERE user_id=$1 AND arrow_id=$2
	`, userID, arrowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	return &role, nil
}

// CreateRole materializes a role record. Concurrent creation of the same
// (user, arrow) pair resolves to the existing row.
func (s *PostgresStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	if role.Type == "" {
		role.Type = "OTHER"
	}
	return s.insertRole(ctx, role)
}

func (s *PostgresStore) insertRole(ctx context.Context, role Role) (Role, error) {
	created, err := scanRole(s.q.QueryRowContext(ctx, `
		INSERT INTO roles (id, user_id, arrow_id, type, is_invited, is_requested)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, arrow_id) DO UPDATE SET type = roles.type
		RETURNING `+roleColumns+`
	`, role.ID, role.UserID, role.ArrowID, role.Type, role.IsInvited, role.IsRequested))
	if err != nil {
		return Role{}, fmt.Errorf("insert role: %w", err)
	}
	return created, nil
}

// ListRoles returns every role recorded on an abstract.
func (s *PostgresStore) ListRoles(ctx context.Context, arrowID string) ([]Role, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+roleColumns+` FROM roles WHERE arrow_id=$1 ORDER BY create_date ASC
	`, arrowID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	items := make([]Role, 0)
	for rows.Next() {
		item, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return items, nil
}
