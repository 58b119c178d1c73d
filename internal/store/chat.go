package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates the chat row keyed on (tenant_id, address)
// and returns the stored row. Name, provider chat id and avatar only
// overwrite when non-empty; the last-message summary only moves forward in
// time, so replaying an older window cannot clobber a newer preview.
func (db *DB) UpsertChat(c *Chat) (*Chat, error) {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (tenant_id, address, name, provider_chat_id, avatar_url, last_message, last_message_at, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(tenant_id, address) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			provider_chat_id = CASE WHEN excluded.provider_chat_id != '' THEN excluded.provider_chat_id ELSE chats.provider_chat_id END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE chats.avatar_url END,
			last_message = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message ELSE chats.last_message END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.TenantID, c.Address, c.Name, c.ProviderChatID, c.AvatarURL, c.LastMessage, c.LastMessageAt, now, now)
	if err != nil {
		return nil, err
	}
	return db.FindChat(c.TenantID, c.Address)
}

// FindChat returns the chat for the given counterparty address, or nil when
// no conversation exists yet.
func (db *DB) FindChat(tenantID, address string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, tenant_id, address, name, provider_chat_id, avatar_url, last_message, last_message_at, unread_count, updated_at
		FROM chats
		WHERE tenant_id = ? AND address = ?`, tenantID, address).
		Scan(&c.ID, &c.TenantID, &c.Address, &c.Name, &c.ProviderChatID, &c.AvatarURL, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns all chats for a tenant, most recently updated first.
func (db *DB) ListChats(tenantID string) ([]Chat, error) {
	rows, err := db.Query(`
		SELECT id, tenant_id, address, name, provider_chat_id, avatar_url, last_message, last_message_at, unread_count, updated_at
		FROM chats
		WHERE tenant_id = ?
		ORDER BY updated_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Address, &c.Name, &c.ProviderChatID, &c.AvatarURL, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// IncrementUnread adds n to a chat's unread counter.
func (db *DB) IncrementUnread(tenantID, address string, n int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET unread_count = unread_count + ?, updated_at = ?
		WHERE tenant_id = ? AND address = ?`, n, now, tenantID, address)
	return err
}

// ClearUnread resets a chat's unread counter.
func (db *DB) ClearUnread(tenantID, address string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET unread_count = 0, updated_at = ?
		WHERE tenant_id = ? AND address = ?`, now, tenantID, address)
	return err
}
