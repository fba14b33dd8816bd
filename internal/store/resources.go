package store

import (
	"context"
	"encoding/json"
	"fmt"
)

type ResourcePermission string

const (
	PermissionRead      ResourcePermission = "read"
	PermissionReadWrite ResourcePermission = "readwrite"
)

// UserResource is a filesystem path or credential entry granted to a user's
// tasks. Path resources become sandbox binds; config-bearing resources feed
// skill environment overlays.
type UserResource struct {
	ID         int64              `json:"id"`
	UserID     string             `json:"user_id"`
	Type       string             `json:"type"`
	Path       string             `json:"path"`
	Permission ResourcePermission `json:"permission"`
	Label      string             `json:"label,omitempty"`
	Config     map[string]string  `json:"config,omitempty"`
}

// ConfigField returns one field from the resource's config map, or "".
func (r UserResource) ConfigField(field string) string {
	return r.Config[field]
}

// AddResource grants a resource to a user and returns its id.
func (s *Store) AddResource(ctx context.Context, r UserResource) (int64, error) {
	if r.UserID == "" || r.Type == "" || r.Path == "" {
		return 0, fmt.Errorf("add resource: user_id, type, and path required")
	}
	if r.Permission == "" {
		r.Permission = PermissionRead
	}
	cfg := r.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("marshal resource config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_resources (user_id, type, path, permission, label, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, r.UserID, r.Type, r.Path, r.Permission, r.Label, string(configJSON))
	if err != nil {
		return 0, fmt.Errorf("insert resource: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resource insert id: %w", err)
	}
	return id, nil
}

// RemoveResource revokes a grant. Returns false when the id did not belong
// to the user.
func (s *Store) RemoveResource(ctx context.Context, userID string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_resources WHERE id = ? AND user_id = ?;
	`, id, userID)
	if err != nil {
		return false, fmt.Errorf("remove resource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove resource rows affected: %w", err)
	}
	return n == 1, nil
}

// ListResources returns a user's grants in insertion order, optionally
// filtered by type.
func (s *Store) ListResources(ctx context.Context, userID, resourceType string) ([]UserResource, error) {
	query := `
		SELECT id, user_id, type, path, permission, label, config
		FROM user_resources
		WHERE user_id = ?`
	args := []any{userID}
	if resourceType != "" {
		query += ` AND type = ?`
		args = append(args, resourceType)
	}
	query += ` ORDER BY id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []UserResource
	for rows.Next() {
		var r UserResource
		var configJSON string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Type, &r.Path, &r.Permission, &r.Label, &configJSON); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		if err := json.Unmarshal([]byte(configJSON), &r.Config); err != nil {
			return nil, fmt.Errorf("parse resource config %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
