package store

import (
	"database/sql"
	"fmt"
	"time"

	"chatsync/internal/delivery"
)

// InsertMessage persists a message under its provider identifier. The
// UNIQUE(chat_id, msg_id) index rejects a second row for the same provider
// id; detect that with IsConflict.
func (db *DB) InsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (chat_id, tenant_id, address, msg_id, direction, kind, body, media_url, file_name, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.TenantID, m.Address, m.MsgID, m.Direction, m.Kind, m.Body, m.MediaURL, m.FileName, m.Status, m.Timestamp, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// GetMessage returns one message by provider identifier, or nil.
func (db *DB) GetMessage(tenantID, address, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_id, tenant_id, address, msg_id, direction, kind, body, media_url, file_name, status, timestamp
		FROM messages
		WHERE tenant_id = ? AND address = ? AND msg_id = ?`, tenantID, address, msgID).
		Scan(&m.ID, &m.ChatID, &m.TenantID, &m.Address, &m.MsgID, &m.Direction, &m.Kind, &m.Body, &m.MediaURL, &m.FileName, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation ordered by timestamp
// ascending with insertion order breaking ties. A positive limit returns
// the newest limit messages, still in ascending order.
func (db *DB) ListMessages(tenantID, address string, limit int) ([]Message, error) {
	query := `
		SELECT id, chat_id, tenant_id, address, msg_id, direction, kind, body, media_url, file_name, status, timestamp
		FROM messages
		WHERE tenant_id = ? AND address = ?
		ORDER BY timestamp ASC, id ASC`
	args := []any{tenantID, address}
	if limit > 0 {
		query = `
		SELECT id, chat_id, tenant_id, address, msg_id, direction, kind, body, media_url, file_name, status, timestamp
		FROM (
			SELECT id, chat_id, tenant_id, address, msg_id, direction, kind, body, media_url, file_name, status, timestamp
			FROM messages
			WHERE tenant_id = ? AND address = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.TenantID, &m.Address, &m.MsgID, &m.Direction, &m.Kind, &m.Body, &m.MediaURL, &m.FileName, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageIDs returns the set of provider message identifiers already
// persisted for a conversation. This is the dedup lookup the reconciler
// diffs the remote window against.
func (db *DB) MessageIDs(tenantID, address string) (map[string]struct{}, error) {
	rows, err := db.Query(`
		SELECT msg_id FROM messages WHERE tenant_id = ? AND address = ?`, tenantID, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// ApplyStatus records a delivery status observed for a persisted message.
// Regressing updates are ignored per the forward-only state machine; the
// return value reports whether the stored status moved.
func (db *DB) ApplyStatus(tenantID, address, msgID string, next delivery.Status) (bool, error) {
	var cur delivery.Status
	err := db.QueryRow(`
		SELECT status FROM messages WHERE tenant_id = ? AND address = ? AND msg_id = ?`,
		tenantID, address, msgID).Scan(&cur)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	updated, advanced := delivery.Advance(cur, next)
	if !advanced {
		return false, nil
	}
	_, err = db.Exec(`
		UPDATE messages SET status = ? WHERE tenant_id = ? AND address = ? AND msg_id = ?`,
		updated, tenantID, address, msgID)
	if err != nil {
		return false, err
	}
	return true, nil
}
