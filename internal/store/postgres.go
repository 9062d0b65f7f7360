package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/triplore/tripchat/internal/types"
)

const defaultBacklogLimit = 100

// Postgres implements MessageStore and MembershipStore over the shared
// application database. The message sequence is assigned inside the insert
// so that concurrent routers never observe conflicting orders.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping() error {
	return p.db.Ping()
}

func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Append assigns the room's next sequence under the room's advisory lock,
// so routers on different instances appending concurrently serialize per
// room instead of racing the UNIQUE (room_id, seq_id) constraint.
func (p *Postgres) Append(ctx context.Context, roomId, senderId, senderName, content string, attachments types.Attachments) (types.Message, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return types.Message{}, fmt.Errorf("append message: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, roomId); err != nil {
		return types.Message{}, fmt.Errorf("append message: lock room: %w", err)
	}

	var msg types.Message
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO chat_messages (room_id, sender_id, sender_name, content, attachments, seq_id)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(seq_id), 0) + 1 FROM chat_messages WHERE room_id = $1))
		RETURNING id, room_id, sender_id, sender_name, content, attachments, seq_id, created_at`,
		roomId, senderId, senderName, content, attachments).
		Scan(&msg.Id, &msg.RoomId, &msg.SenderId, &msg.SenderName, &msg.Content, &msg.Attachments, &msg.SeqId, &msg.Timestamp)
	if err != nil {
		return types.Message{}, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.Message{}, fmt.Errorf("append message: commit: %w", err)
	}

	return msg, nil
}

func (p *Postgres) List(ctx context.Context, roomId string, sinceSeq int64, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = defaultBacklogLimit
	}

	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, room_id, sender_id, sender_name, content, attachments, seq_id, created_at
		FROM chat_messages
		WHERE room_id = $1 AND seq_id > $2
		ORDER BY seq_id ASC
		LIMIT $3`, roomId, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.Id, &msg.RoomId, &msg.SenderId, &msg.SenderName, &msg.Content, &msg.Attachments, &msg.SeqId, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

func (p *Postgres) LastSeq(ctx context.Context, roomId string) (int64, error) {
	var seq int64
	err := p.db.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(seq_id), 0) FROM chat_messages WHERE room_id = $1`, roomId)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

func (p *Postgres) IsMember(ctx context.Context, userId, roomId string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM trip_members
			WHERE trip_id = $1 AND user_id = $2
		)`, roomId, userId)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return exists, nil
}

func (p *Postgres) ListMembers(ctx context.Context, roomId string) ([]types.Member, error) {
	var members []types.Member
	err := p.db.SelectContext(ctx, &members, `
		SELECT user_id, display_name, role
		FROM trip_members
		WHERE trip_id = $1
		ORDER BY display_name ASC`, roomId)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if len(members) == 0 {
		// every trip has at least its creator on the roster
		return nil, ErrRoomNotFound
	}
	return members, nil
}
