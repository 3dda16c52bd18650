package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

const invoiceColumns = `payment_id, network, amount, payment_request, status, token, ack_memo,
	callback_url, created_at, expires_at, updated_at, tx_ids, paid_at, refund_to, failure_reason, ack`

// InvoiceStore is an invoice.Store over the invoices table. Transition is a
// single conditional UPDATE, so it stays atomic across server instances.
type InvoiceStore struct {
	DB  *sql.DB
	log *zap.Logger
}

var _ invoice.Store = (*InvoiceStore)(nil)

func NewInvoiceStore(db *sql.DB, log *zap.Logger) *InvoiceStore {
	return &InvoiceStore{DB: db, log: log.Named("db")}
}

func (s *InvoiceStore) Create(ctx context.Context, rec invoice.Record) error {
	query := `
		INSERT INTO invoices (payment_id, network, amount, payment_request, status, token, ack_memo,
			callback_url, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payment_id) DO NOTHING
	`
	res, err := s.DB.ExecContext(ctx, query,
		rec.PaymentID,
		rec.Network,
		strconv.FormatUint(rec.Amount, 10),
		rec.Request.Marshal(),
		string(rec.Status),
		rec.Token,
		rec.AckMemo,
		rec.CallbackURL,
		rec.CreatedAt.UTC(),
		rec.ExpiresAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return invoice.ErrExists
	}
	s.log.Debug("inserted invoice", zap.String("payment_id", rec.PaymentID))
	return nil
}

func (s *InvoiceStore) Get(ctx context.Context, paymentID string) (invoice.Record, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE payment_id = $1`, paymentID)
	rec, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return invoice.Record{}, invoice.ErrNotFound
	}
	return rec, err
}

func (s *InvoiceStore) Transition(ctx context.Context, paymentID string, from, to invoice.Status, change invoice.Change) (invoice.Record, error) {
	var refund []byte
	if change.RefundTo != nil {
		refund = protocol.Payment{RefundTo: change.RefundTo}.Marshal()
	}
	query := `
		UPDATE invoices SET
			status = $3::text,
			updated_at = $4,
			paid_at = CASE WHEN $3::text = 'paid' THEN $4 ELSE paid_at END,
			tx_ids = COALESCE($5, tx_ids),
			refund_to = COALESCE($6, refund_to),
			failure_reason = CASE WHEN $7::text <> '' THEN $7::text ELSE failure_reason END,
			ack = COALESCE($8, ack)
		WHERE payment_id = $1 AND status = $2
		RETURNING ` + invoiceColumns
	row := s.DB.QueryRowContext(ctx, query,
		paymentID,
		string(from),
		string(to),
		change.At.UTC(),
		pq.Array(change.TxIDs),
		nullBytes(refund),
		change.FailureReason,
		nullBytes(change.ACK),
	)
	rec, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.Get(ctx, paymentID)
		if getErr != nil {
			return invoice.Record{}, getErr
		}
		return current, invoice.ErrConflict
	}
	if err != nil {
		return invoice.Record{}, err
	}
	s.log.Debug("invoice transition", zap.String("payment_id", paymentID), zap.String("from", string(from)), zap.String("to", string(to)))
	return rec, nil
}

func (s *InvoiceStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT payment_id FROM invoices
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT NULLIF($2, 0)
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired invoices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan invoice id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired invoices: %w", err)
	}
	return ids, nil
}

func scanInvoice(row *sql.Row) (invoice.Record, error) {
	var (
		rec     invoice.Record
		amount  string
		request []byte
		status  string
		paidAt  sql.NullTime
		refund  []byte
	)
	err := row.Scan(
		&rec.PaymentID,
		&rec.Network,
		&amount,
		&request,
		&status,
		&rec.Token,
		&rec.AckMemo,
		&rec.CallbackURL,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.UpdatedAt,
		pq.Array(&rec.TxIDs),
		&paidAt,
		&refund,
		&rec.FailureReason,
		&rec.ACK,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return invoice.Record{}, err
	}
	if err != nil {
		return invoice.Record{}, fmt.Errorf("failed to scan invoice: %w", err)
	}

	rec.Status = invoice.Status(status)
	if rec.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return invoice.Record{}, fmt.Errorf("invoice %s has bad amount %q: %w", rec.PaymentID, amount, err)
	}
	if rec.Request, err = protocol.DecodePaymentRequest(request); err != nil {
		return invoice.Record{}, fmt.Errorf("invoice %s has bad payment request: %w", rec.PaymentID, err)
	}
	if rec.Details, err = rec.Request.Details(); err != nil {
		return invoice.Record{}, fmt.Errorf("invoice %s has bad payment details: %w", rec.PaymentID, err)
	}
	if paidAt.Valid {
		rec.PaidAt = paidAt.Time
	}
	if refund != nil {
		p, err := protocol.DecodePayment(refund)
		if err != nil {
			return invoice.Record{}, fmt.Errorf("invoice %s has bad refund outputs: %w", rec.PaymentID, err)
		}
		rec.RefundTo = p.RefundTo
	}
	if len(rec.ACK) == 0 {
		rec.ACK = nil
	}
	return rec, nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
