package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/store"
	"gudangkas/backend/internal/xid"
)

const sessionSelect = `
	SELECT id, status, opening_amount, opened_at, opened_by, closed_at, closed_by,
		counted_amount, expected_cash, variance, totals, note
	FROM cashbox_sessions
`

func scanSession(row rowScanner) (domain.CashboxSession, error) {
	var (
		session  domain.CashboxSession
		closedAt sql.NullTime
		counted  decimal.NullDecimal
		expected decimal.NullDecimal
		variance decimal.NullDecimal
		totals   []byte
	)
	err := row.Scan(&session.ID, &session.Status, &session.OpeningAmount, &session.OpenedAt, &session.OpenedBy,
		&closedAt, &session.ClosedBy, &counted, &expected, &variance, &totals, &session.Note)
	if err != nil {
		return domain.CashboxSession{}, err
	}

	session.OpenedAt = session.OpenedAt.UTC()
	session.ClosedAt = timePtr(closedAt)
	session.CountedAmount = decimalPtr(counted)
	session.ExpectedCash = decimalPtr(expected)
	session.Variance = decimalPtr(variance)
	if len(totals) > 0 {
		var parsed domain.CashboxTotals
		if err := json.Unmarshal(totals, &parsed); err != nil {
			return domain.CashboxSession{}, err
		}
		session.Totals = &parsed
	}
	return session, nil
}

func (s *Store) CreateCashboxSession(ctx context.Context, session domain.CashboxSession) (*domain.CashboxSession, error) {
	if session.ID == "" {
		session.ID = xid.New("cbx")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cashbox_sessions (id, status, opening_amount, opened_at, opened_by, note)
		VALUES ($1, 'open', $2, $3, $4, $5)
	`, session.ID, session.OpeningAmount, session.OpenedAt, session.OpenedBy, session.Note)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return s.GetCashboxSession(ctx, session.ID)
}

func (s *Store) GetOpenCashboxSession(ctx context.Context) (*domain.CashboxSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE status = 'open' LIMIT 1`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetCashboxSession(ctx context.Context, id string) (*domain.CashboxSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) ListCashboxSessions(ctx context.Context, limit int) ([]domain.CashboxSession, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, sessionSelect+` ORDER BY opened_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashboxSession, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CloseCashboxSession locks the session row before reading its movements.
// CreateCashMovement takes the row FOR SHARE, so no movement commits between
// the settlement and the close.
func (s *Store) CloseCashboxSession(ctx context.Context, id string, settle store.SettleFunc) (*domain.CashboxSession, error) {
	u := s.begin(ctx, "close_cashbox_session")
	defer u.rollback()

	current, err := scanSession(u.q.QueryRowContext(ctx, sessionSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if current.Status != domain.CashboxOpen {
		return nil, store.ErrStaleWrite
	}
	movements, err := listMovements(ctx, u.q, id)
	if err != nil {
		return nil, err
	}

	closing := settle(current, movements)
	if closing.ClosedAt == nil {
		closedAt := time.Now().UTC()
		closing.ClosedAt = &closedAt
	}
	var totals any
	if closing.Totals != nil {
		raw, err := json.Marshal(closing.Totals)
		if err != nil {
			return nil, err
		}
		totals = string(raw)
	}

	res, err := u.q.ExecContext(ctx, `
		UPDATE cashbox_sessions
		SET status = 'closed', closed_at = $2, closed_by = $3, counted_amount = $4,
			expected_cash = $5, variance = $6, totals = $7::jsonb,
			note = CASE WHEN $8 = '' THEN note ELSE $8 END
		WHERE id = $1 AND status = 'open'
	`, id, *closing.ClosedAt, closing.ClosedBy, nullDecimal(closing.CountedAmount),
		nullDecimal(closing.ExpectedCash), nullDecimal(closing.Variance), totals, closing.Note)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrStaleWrite
	}

	closed, err := scanSession(u.q.QueryRowContext(ctx, sessionSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := u.commit(); err != nil {
		return nil, err
	}
	return &closed, nil
}

func (s *Store) CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if !movement.Amount.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	u := s.begin(ctx, "create_cash_movement")
	defer u.rollback()

	var status string
	err := u.q.QueryRowContext(ctx, `SELECT status FROM cashbox_sessions WHERE id = $1 FOR SHARE`, movement.SessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if domain.CashboxStatus(status) != domain.CashboxOpen {
		return nil, store.ErrSessionClosed
	}

	_, err = u.q.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, amount, direction, source, receipt_id, user_id, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, movement.ID, movement.SessionID, movement.Amount, string(movement.Direction), string(movement.Source),
		nullIfEmpty(movement.ReceiptID), movement.UserID, movement.Reason, movement.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if err := u.commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	if _, err := s.GetCashboxSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return listMovements(ctx, s.db, sessionID)
}

func listMovements(ctx context.Context, q querier, sessionID string) ([]domain.CashMovement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, amount, direction, source, COALESCE(receipt_id, ''), user_id, reason, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 32)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Amount, &m.Direction, &m.Source, &m.ReceiptID, &m.UserID, &m.Reason, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 64)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
