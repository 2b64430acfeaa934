package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "parley/contracts/chat/v1"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindRoom resolves a room by name.
func (s *PostgresStore) FindRoom(ctx context.Context, name string) (v1.Room, error) {
	if s == nil || s.pool == nil {
		return v1.Room{}, errors.New("store: nil store")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return v1.Room{}, ErrRoomNotFound
	}

	rooms := pgIdent(s.schema, "rooms")

	var room v1.Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, admin FROM `+rooms+` WHERE name = $1`,
		name,
	).Scan(&room.ID, &room.Name, &room.Admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return v1.Room{}, fmt.Errorf("store: find room: %w", err)
	}
	return room, nil
}

// SaveMessage persists a message and returns its durable id.
func (s *PostgresStore) SaveMessage(ctx context.Context, in SaveMessageInput) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("store: nil store")
	}
	if strings.TrimSpace(in.Content) == "" || strings.TrimSpace(in.Room) == "" {
		return 0, errors.New("store: invalid input")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	room, err := s.FindRoom(ctx, in.Room)
	if err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (content, "timestamp", from_user, room_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		in.Content, now, in.FromUserName, room.ID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: save message: %w", err)
	}
	return id, nil
}

// ListRooms returns all rooms ordered by name.
func (s *PostgresStore) ListRooms(ctx context.Context) ([]v1.Room, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("store: nil store")
	}

	rooms := pgIdent(s.schema, "rooms")

	rows, err := s.pool.Query(ctx, `SELECT id, name, admin FROM `+rooms+` ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	defer rows.Close()

	var out []v1.Room
	for rows.Next() {
		var r v1.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Admin); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetHistory returns the most recent messages for a room, oldest first.
func (s *PostgresStore) GetHistory(ctx context.Context, room string, limit int) ([]v1.Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("store: nil store")
	}
	limit = clampHistoryLimit(limit)

	target, err := s.FindRoom(ctx, room)
	if err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, content, "timestamp", from_user
		 FROM `+messages+`
		 WHERE room_id = $1
		 ORDER BY "timestamp" DESC, id DESC
		 LIMIT $2`,
		target.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get history: %w", err)
	}
	defer rows.Close()

	var out []v1.Message
	for rows.Next() {
		var m v1.Message
		if err := rows.Scan(&m.ID, &m.Content, &m.Timestamp, &m.FromUserName); err != nil {
			return nil, err
		}
		m.Room = target.Name
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query fetched newest-first for the LIMIT; flip to oldest-first for clients.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
