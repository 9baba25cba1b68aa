package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

const connectionColumns = `user_id, ig_user_id, username, access_token, status, connected_at, checked_at`

func scanConnection(row rowScanner) (models.InstagramConnection, error) {
	var c models.InstagramConnection
	err := row.Scan(&c.UserID, &c.IGUserID, &c.Username, &c.AccessToken, &c.Status, &c.ConnectedAt, &c.CheckedAt)
	c.ConnectedAt = c.ConnectedAt.UTC()
	c.CheckedAt = c.CheckedAt.UTC()
	return c, err
}

func (s *sqlStore) getConnection(ctx context.Context, where string, arg string) (*models.InstagramConnection, error) {
	c, err := scanConnection(s.queryRow(ctx, s.db,
		`SELECT `+connectionColumns+` FROM instagram_connections WHERE `+where+` = ? LIMIT 1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection failed: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) GetConnection(ctx context.Context, userID string) (*models.InstagramConnection, error) {
	return s.getConnection(ctx, "user_id", userID)
}

func (s *sqlStore) GetConnectionByIGUserID(ctx context.Context, igUserID string) (*models.InstagramConnection, error) {
	return s.getConnection(ctx, "ig_user_id", igUserID)
}

func (s *sqlStore) SaveConnection(ctx context.Context, conn *models.InstagramConnection) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO instagram_connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			ig_user_id = excluded.ig_user_id,
			username = excluded.username,
			access_token = excluded.access_token,
			status = excluded.status,
			connected_at = excluded.connected_at,
			checked_at = excluded.checked_at`,
		conn.UserID, conn.IGUserID, conn.Username, conn.AccessToken, string(conn.Status),
		conn.ConnectedAt.UTC(), conn.CheckedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save connection failed: %w", err)
	}
	slog.Debug(s.name+".SaveConnection", "userID", conn.UserID, "igUserID", conn.IGUserID, "status", conn.Status)
	return nil
}

func (s *sqlStore) ListConnections(ctx context.Context) ([]models.InstagramConnection, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+connectionColumns+` FROM instagram_connections ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list connections failed: %w", err)
	}
	defer rows.Close()
	var out []models.InstagramConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection failed: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
