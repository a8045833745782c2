package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/casegov/pkg/database"
)

// Message is one case-thread message.
type Message struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenantId"`
	CaseID           string    `json:"caseId"`
	AuthorUserID     string    `json:"authorUserId"`
	Body             string    `json:"body"`
	ClientMutationID string    `json:"clientMutationId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// MessagePage is one page of history in ascending creation order, with the
// cursor for the next (older) page when more remain.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// MessageStore persists messages, delivery receipts and read positions.
type MessageStore struct{}

func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

func (s *MessageStore) Insert(ctx context.Context, q database.Querier, m *Message) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, case_id, author_user_id, body,
			client_mutation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.TenantID, m.CaseID, m.AuthorUserID, m.Body,
		nullable(m.ClientMutationID), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("gateway: insert message: %w", err)
	}
	return nil
}

// ListPage returns up to limit messages before the cursor. Rows are fetched
// newest first so the cursor walks backward in time, then reversed so each
// page reads in ascending order; one extra row decides whether an older page
// exists.
func (s *MessageStore) ListPage(ctx context.Context, q database.Querier, tenantID, caseID string, cursor *Cursor, limit int) (*MessagePage, error) {
	limit = ClampLimit(limit)

	var rows *sql.Rows
	var err error
	if cursor == nil {
		rows, err = q.QueryContext(ctx, `
			SELECT id, tenant_id, case_id, author_user_id, body,
				client_mutation_id, created_at
			FROM messages WHERE tenant_id = $1 AND case_id = $2
			ORDER BY created_at DESC, id DESC LIMIT $3`,
			tenantID, caseID, limit+1)
	} else {
		rows, err = q.QueryContext(ctx, `
			SELECT id, tenant_id, case_id, author_user_id, body,
				client_mutation_id, created_at
			FROM messages WHERE tenant_id = $1 AND case_id = $2
				AND (created_at < $3 OR (created_at = $3 AND id < $4))
			ORDER BY created_at DESC, id DESC LIMIT $5`,
			tenantID, caseID, cursor.CreatedAt, cursor.ID, limit+1)
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Message, 0, limit+1)
	for rows.Next() {
		var m Message
		var mutationID sql.NullString
		if err := rows.Scan(&m.ID, &m.TenantID, &m.CaseID, &m.AuthorUserID,
			&m.Body, &mutationID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("gateway: scan message: %w", err)
		}
		m.ClientMutationID = mutationID.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gateway: message rows: %w", err)
	}

	page := &MessagePage{Messages: out}
	if len(out) > limit {
		page.Messages = out[:limit]
		oldest := page.Messages[limit-1]
		page.NextCursor = Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}.Encode()
		page.HasMore = true
	}
	for i, j := 0, len(page.Messages)-1; i < j; i, j = i+1, j-1 {
		page.Messages[i], page.Messages[j] = page.Messages[j], page.Messages[i]
	}
	return page, nil
}

// MarkDelivered upserts delivery receipts for the user. Re-delivery keeps
// the earliest timestamp. Message ids outside the tenant and case are
// ignored.
func (s *MessageStore) MarkDelivered(ctx context.Context, q database.Querier, tenantID, caseID, userID string, messageIDs []string, at time.Time) error {
	for _, id := range messageIDs {
		if err := s.upsertReceipt(ctx, q, tenantID, caseID, id, userID, "delivered_at", at); err != nil {
			return err
		}
	}
	return nil
}

// MarkSeen upserts seen receipts, implying delivery.
func (s *MessageStore) MarkSeen(ctx context.Context, q database.Querier, tenantID, caseID, userID string, messageIDs []string, at time.Time) error {
	for _, id := range messageIDs {
		if err := s.upsertReceipt(ctx, q, tenantID, caseID, id, userID, "delivered_at", at); err != nil {
			return err
		}
		if err := s.upsertReceipt(ctx, q, tenantID, caseID, id, userID, "seen_at", at); err != nil {
			return err
		}
	}
	return nil
}

// upsertReceipt writes one receipt column. Both statements resolve the
// message inside the tenant and case, so a spoofed id from another thread
// touches nothing.
func (s *MessageStore) upsertReceipt(ctx context.Context, q database.Querier, tenantID, caseID, messageID, userID, column string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE message_receipts SET `+column+` = $1
		WHERE user_id = $2 AND `+column+` IS NULL
			AND message_id IN (SELECT id FROM messages
				WHERE id = $3 AND tenant_id = $4 AND case_id = $5)`,
		at, userID, messageID, tenantID, caseID)
	if err != nil {
		return fmt.Errorf("gateway: update receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO message_receipts (message_id, user_id, `+column+`)
		SELECT id, $1, $2 FROM messages
		WHERE id = $3 AND tenant_id = $4 AND case_id = $5`,
		userID, at, messageID, tenantID, caseID)
	if err != nil {
		// Row already exists with the column set; the receipt stands.
		var existing sql.NullTime
		scanErr := q.QueryRowContext(ctx, `
			SELECT `+column+` FROM message_receipts
			WHERE message_id = $1 AND user_id = $2`, messageID, userID).Scan(&existing)
		if scanErr == nil && existing.Valid {
			return nil
		}
		if errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("gateway: insert receipt: %w", err)
		}
		if scanErr == nil {
			return nil
		}
		return fmt.Errorf("gateway: insert receipt: %w", err)
	}
	return nil
}

// SetReadPosition advances the user's read marker for the case. Markers only
// move forward in message time.
func (s *MessageStore) SetReadPosition(ctx context.Context, q database.Querier, tenantID, caseID, userID, messageID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE case_read_positions SET last_read_message_id = $1, updated_at = $2
		WHERE case_id = $3 AND user_id = $4`,
		messageID, at, caseID, userID)
	if err != nil {
		return fmt.Errorf("gateway: set read position: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO case_read_positions (tenant_id, case_id, user_id,
			last_read_message_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tenantID, caseID, userID, messageID, at)
	if err != nil {
		return fmt.Errorf("gateway: insert read position: %w", err)
	}
	return nil
}

// UnreadCount counts messages after the user's read position, excluding the
// user's own.
func (s *MessageStore) UnreadCount(ctx context.Context, q database.Querier, tenantID, caseID, userID string) (int64, error) {
	var lastRead sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT last_read_message_id FROM case_read_positions
		WHERE case_id = $1 AND user_id = $2`, caseID, userID).Scan(&lastRead)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("gateway: read position: %w", err)
	}

	if !lastRead.Valid {
		var count int64
		err := q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE tenant_id = $1 AND case_id = $2 AND author_user_id <> $3`,
			tenantID, caseID, userID).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("gateway: unread count: %w", err)
		}
		return count, nil
	}

	var count int64
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.tenant_id = $1 AND m.case_id = $2 AND m.author_user_id <> $3
			AND (m.created_at, m.id) > (
				SELECT r.created_at, r.id FROM messages r WHERE r.id = $4
			)`,
		tenantID, caseID, userID, lastRead.String).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("gateway: unread count: %w", err)
	}
	return count, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
