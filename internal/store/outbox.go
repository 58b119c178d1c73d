package store

import "time"

// QueueOutbox records a send attempt in the outbox ledger.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.Status == "" {
		e.Status = OutboxQueued
	}
	res, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, tenant_id, address, body, kind, media_url, file_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientMsgID, e.TenantID, e.Address, e.Body, e.Kind, e.MediaURL, e.FileName, e.Status, now, now)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the provider message ID.
func (db *DB) MarkOutboxSent(clientMsgID, providerMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', provider_msg_id = ?, error_message = '', updated_at = ? WHERE client_msg_id = ?`, providerMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// MarkOutboxDiscarded updates an outbox entry to 'discarded', taking it
// out of the failed listing for good.
func (db *DB) MarkOutboxDiscarded(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'discarded', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// GetOutbox returns one ledger entry by optimistic identifier, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, tenant_id, address, body, kind, media_url, file_name, status, error_message, provider_msg_id
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.TenantID, &e.Address, &e.Body, &e.Kind, &e.MediaURL, &e.FileName, &e.Status, &e.ErrorMessage, &e.ProviderMsgID); err != nil {
		return nil, err
	}
	return &e, nil
}

// FailedOutbox returns failed entries for a conversation, oldest first,
// so a caller can offer retry.
func (db *DB) FailedOutbox(tenantID, address string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, tenant_id, address, body, kind, media_url, file_name, status, error_message, provider_msg_id
		FROM outbox WHERE tenant_id = ? AND address = ? AND status = 'failed'
		ORDER BY created_at ASC`, tenantID, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.TenantID, &e.Address, &e.Body, &e.Kind, &e.MediaURL, &e.FileName, &e.Status, &e.ErrorMessage, &e.ProviderMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
