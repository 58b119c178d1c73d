package store

import "strings"

// SearchResult is one search hit with a short excerpt around the match.
type SearchResult struct {
	Message Message
	Snippet string
}

// SearchMessages scans message bodies for a substring, newest first.
// An empty address searches across every conversation of the tenant.
func (db *DB) SearchMessages(tenantID, query, address string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, chat_id, tenant_id, address, msg_id, direction, kind, body, media_url, file_name, status, timestamp
		FROM messages
		WHERE tenant_id = ? AND body LIKE '%' || ? || '%' ESCAPE '\'`
	args := []any{tenantID, escapeLike(query)}
	if address != "" {
		q += " AND address = ?"
		args = append(args, address)
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.TenantID, &m.Address, &m.MsgID, &m.Direction, &m.Kind, &m.Body, &m.MediaURL, &m.FileName, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Body, query, 32)})
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet excerpts up to width runes around the first match and wraps the
// matched text in << >> markers.
func snippet(body, query string, width int) string {
	runes := []rune(body)
	lower := strings.ToLower(body)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 {
		if len(runes) > width {
			return string(runes[:width]) + "..."
		}
		return body
	}

	start := len([]rune(body[:idx]))
	end := start + len([]rune(query))
	marked := string(runes[:start]) + "<<" + string(runes[start:end]) + ">>" + string(runes[end:])

	mr := []rune(marked)
	from := start - width/2
	if from < 0 {
		from = 0
	}
	to := end + 4 + width/2
	if to > len(mr) {
		to = len(mr)
	}
	out := string(mr[from:to])
	if from > 0 {
		out = "..." + out
	}
	if to < len(mr) {
		out += "..."
	}
	return out
}
