// services/reconciliation.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"stocksco-payment-system/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Mailer sends the user-facing confirmation mail after a credit.
type Mailer interface {
	SendPaymentConfirmation(ctx context.Context, email, name string, amount decimal.Decimal, currency string) error
}

// PayloadArchive persists raw IPN bodies to object storage for forensics.
type PayloadArchive interface {
	ArchiveIPNPayload(ctx context.Context, orderID string, body []byte) error
}

// ReconciliationService is the single authority that mutates payment status,
// transaction status and wallet balances. Both the webhook path and the poll
// path funnel into the same transition function, which runs under a row lock
// per order so concurrent deliveries for one payment serialize.
type ReconciliationService struct {
	DB            *gorm.DB
	Gateway       ProcessorGateway
	Notifications *NotificationService
	Mailer        Mailer         // optional
	Archive       PayloadArchive // optional
}

func NewReconciliationService(db *gorm.DB, gateway ProcessorGateway, notifications *NotificationService) *ReconciliationService {
	return &ReconciliationService{DB: db, Gateway: gateway, Notifications: notifications}
}

// mapTransactionStatus translates the processor vocabulary into the history
// table's statuses. Unrecognized statuses pass through unchanged so a new
// processor status does not break the pipeline; they are never terminal.
func mapTransactionStatus(external string) string {
	switch external {
	case StatusWaiting, StatusPartiallyPaid:
		return models.TransactionPending
	case StatusConfirming, StatusSending:
		return models.TransactionConfirming
	case StatusConfirmed, StatusFinished:
		return models.TransactionCompleted
	case StatusFailed, StatusRefunded:
		return models.TransactionFailed
	case StatusExpired:
		return models.TransactionExpired
	}
	return external
}

// PaymentUpdate is one observed status change, from either source. Nil
// fields were absent from the update and never overwrite stored values.
type PaymentUpdate struct {
	Status          string
	PayAmount       *decimal.Decimal
	ActuallyPaid    *decimal.Decimal
	OutcomeAmount   *decimal.Decimal
	OutcomeCurrency *string
	PayCurrency     *string
	PayAddress      *string
}

func updateFromIPN(p *IPNPayload) PaymentUpdate {
	return PaymentUpdate{
		Status:          p.PaymentStatus,
		PayAmount:       p.PayAmount,
		ActuallyPaid:    p.ActuallyPaid,
		OutcomeAmount:   p.OutcomeAmount,
		OutcomeCurrency: optString(p.OutcomeCurrency),
		PayCurrency:     optString(p.PayCurrency),
		PayAddress:      optString(p.PayAddress),
	}
}

func updateFromStatus(r *PaymentStatusResponse) PaymentUpdate {
	return PaymentUpdate{
		Status:          r.PaymentStatus,
		PayAmount:       r.PayAmount,
		ActuallyPaid:    r.ActuallyPaid,
		OutcomeAmount:   r.OutcomeAmount,
		OutcomeCurrency: optString(r.OutcomeCurrency),
		PayCurrency:     optString(r.PayCurrency),
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// lockForUpdate acquires a row lock so webhook and poll updates for the same
// order cannot interleave. sqlite (tests) has no FOR UPDATE and serializes
// writers on its own.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// completion describes a credit performed by the transition function, so the
// caller can fire side effects after the transaction commits.
type completion struct {
	UserID        uint
	OrderID       string
	TransactionID uint
	Amount        decimal.Decimal
	Currency      string
}

// applyUpdate is the shared transition function. The payment row must
// already be locked by the caller's transaction. Returns a non-nil
// completion exactly when this call credited the wallet.
func (s *ReconciliationService) applyUpdate(tx *gorm.DB, payment *models.CryptoPayment, upd PaymentUpdate) (*completion, error) {
	if upd.Status == "" || upd.Status == payment.PaymentStatus {
		// Re-delivery of a known state: no field changes, no ledger effect.
		return nil, nil
	}

	oldStatus := payment.PaymentStatus
	payment.PaymentStatus = upd.Status
	if upd.PayAmount != nil {
		payment.PayAmount = upd.PayAmount
	}
	if upd.ActuallyPaid != nil {
		payment.ActuallyPaid = upd.ActuallyPaid
	}
	if upd.OutcomeAmount != nil {
		payment.OutcomeAmount = upd.OutcomeAmount
	}
	if upd.OutcomeCurrency != nil {
		payment.OutcomeCurrency = upd.OutcomeCurrency
	}
	if upd.PayCurrency != nil {
		payment.PayCurrency = upd.PayCurrency
	}
	if upd.PayAddress != nil {
		payment.PayAddress = upd.PayAddress
	}
	payment.UpdatedAt = time.Now().UTC()
	if upd.Status == StatusExpired && payment.ExpiredAt == nil {
		now := payment.UpdatedAt
		payment.ExpiredAt = &now
	}

	if err := tx.Save(payment).Error; err != nil {
		return nil, err
	}

	log.Printf("Payment %s status changed: %s -> %s", payment.OrderID, oldStatus, upd.Status)

	switch {
	case CompletedStatuses[upd.Status]:
		return s.completePayment(tx, payment)
	case FailedStatuses[upd.Status]:
		return nil, s.setTransactionStatus(tx, payment.OrderID, models.TransactionFailed)
	case upd.Status == StatusExpired:
		return nil, s.setTransactionStatus(tx, payment.OrderID, models.TransactionExpired)
	default:
		return nil, s.setTransactionStatus(tx, payment.OrderID, mapTransactionStatus(upd.Status))
	}
}

// setTransactionStatus moves the history row for an order, preserving
// monotonicity: a completed transaction never moves again.
func (s *ReconciliationService) setTransactionStatus(tx *gorm.DB, orderID, status string) error {
	var trx models.Transaction
	err := lockForUpdate(tx).Where("order_id = ?", orderID).First(&trx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Ledger inconsistency: the payment update must still go through,
		// the missing row is a manual-intervention case.
		log.Printf("⚠️  No transaction found for order_id=%s, cannot set status %q", orderID, status)
		return nil
	}
	if err != nil {
		return err
	}

	if trx.Status == models.TransactionCompleted || trx.Status == status {
		return nil
	}
	return tx.Model(&trx).Update("status", status).Error
}

// completePayment flips the transaction to completed and credits the wallet
// in the same database transaction, so the two cannot be observed apart.
// Idempotent: a transaction already completed is left alone, which also
// guards the race where webhook and poll both observe the terminal status.
func (s *ReconciliationService) completePayment(tx *gorm.DB, payment *models.CryptoPayment) (*completion, error) {
	var trx models.Transaction
	err := lockForUpdate(tx).Where("order_id = ?", payment.OrderID).First(&trx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("⚠️  Completion for order_id=%s but no transaction exists — manual reconciliation required", payment.OrderID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if trx.Status == models.TransactionCompleted {
		return nil, nil
	}

	if err := tx.Model(&trx).Update("status", models.TransactionCompleted).Error; err != nil {
		return nil, err
	}

	var wallet models.Wallet
	now := time.Now().UTC()
	err = lockForUpdate(tx).Where(models.Wallet{UserID: trx.UserID}).
		Attrs(models.Wallet{Currency: payment.PriceCurrency, CreatedAt: now, UpdatedAt: now}).
		FirstOrCreate(&wallet).Error
	if err != nil {
		return nil, err
	}

	newBalance := wallet.Balance.Add(trx.Amount)
	err = tx.Model(&wallet).Updates(map[string]any{
		"balance":    newBalance,
		"updated_at": now,
	}).Error
	if err != nil {
		return nil, err
	}

	log.Printf("💰 Wallet credited: user_id=%d +%s → new balance=%s (order %s)",
		trx.UserID, trx.Amount.String(), newBalance.String(), payment.OrderID)

	return &completion{
		UserID:        trx.UserID,
		OrderID:       payment.OrderID,
		TransactionID: trx.ID,
		Amount:        trx.Amount,
		Currency:      payment.PriceCurrency,
	}, nil
}

// IPNResult tells the webhook handler how to respond.
type IPNResult struct {
	Known    bool
	OrderID  string
	Credited bool
}

// HandleIPN is the webhook entry point. Verification and audit logging
// happen for every delivery; state only moves for payments this system
// tracks. Errors propagate so the handler answers non-2xx and the processor
// retries.
func (s *ReconciliationService) HandleIPN(ctx context.Context, raw []byte, signature string) (*IPNResult, error) {
	payload, err := s.Gateway.ProcessIPNCallback(raw, signature)
	if err != nil {
		s.auditRejectedCallback(raw, signature)
		return nil, err
	}

	res := &IPNResult{OrderID: payload.OrderID}
	var done *completion

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		payment, err := s.findPaymentForIPN(tx, payload)
		if err != nil {
			return err
		}

		if payment == nil {
			// Foreign or test traffic: log it and acknowledge, the
			// processor must not retry forever for a payment we never
			// created.
			log.Printf("⚠️  IPN for unknown payment: payment_id=%s invoice_id=%s order_id=%s",
				payload.PaymentID.String(), payload.InvoiceID.String(), payload.OrderID)
			return s.logCallback(tx, nil, payload, raw, signature)
		}
		res.Known = true

		// An invoice-flow record learns its payment_id from the first IPN;
		// every later lookup goes through the direct key.
		if payment.PaymentID == nil && payload.PaymentID.String() != "" {
			pid := payload.PaymentID.String()
			payment.PaymentID = &pid
			if err := tx.Model(payment).Update("payment_id", pid).Error; err != nil {
				return err
			}
		}

		if err := s.logCallback(tx, &payment.ID, payload, raw, signature); err != nil {
			return err
		}

		done, err = s.applyUpdate(tx, payment, updateFromIPN(payload))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.archivePayload(ctx, payload.OrderID, raw)
	if done != nil {
		res.Credited = true
		s.fireCompletionSideEffects(ctx, done)
	}
	return res, nil
}

// findPaymentForIPN resolves the payment record for a callback, locking the
// row. Lookup order: payment_id first, then invoice_id.
func (s *ReconciliationService) findPaymentForIPN(tx *gorm.DB, payload *IPNPayload) (*models.CryptoPayment, error) {
	var payment models.CryptoPayment

	if pid := payload.PaymentID.String(); pid != "" {
		err := lockForUpdate(tx).Where("payment_id = ?", pid).First(&payment).Error
		if err == nil {
			return &payment, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if iid := payload.InvoiceID.String(); iid != "" {
		err := lockForUpdate(tx).Where("invoice_id = ?", iid).First(&payment).Error
		if err == nil {
			return &payment, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// logCallback appends the audit row for a verified callback.
func (s *ReconciliationService) logCallback(tx *gorm.DB, paymentDBID *uint, payload *IPNPayload, raw []byte, signature string) error {
	pid := payload.PaymentID.String()
	if pid == "" {
		pid = "unknown"
	}
	return tx.Create(&models.PaymentCallback{
		PaymentDBID:    paymentDBID,
		PaymentID:      pid,
		PaymentStatus:  payload.PaymentStatus,
		PayAmount:      payload.PayAmount,
		ActuallyPaid:   payload.ActuallyPaid,
		CallbackData:   string(raw),
		Signature:      optString(signature),
		SignatureValid: true,
		ReceivedAt:     time.Now().UTC(),
	}).Error
}

// auditRejectedCallback logs a callback that failed verification. If the
// body parses we keep its claimed fields, otherwise the raw text alone.
// Best-effort: a failed audit write must not mask the rejection.
func (s *ReconciliationService) auditRejectedCallback(raw []byte, signature string) {
	entry := models.PaymentCallback{
		PaymentID:      "unknown",
		PaymentStatus:  "error",
		CallbackData:   string(raw),
		Signature:      optString(signature),
		SignatureValid: false,
		ReceivedAt:     time.Now().UTC(),
	}

	var payload IPNPayload
	if json.Unmarshal(raw, &payload) == nil {
		if pid := payload.PaymentID.String(); pid != "" {
			entry.PaymentID = pid
		}
		if payload.PaymentStatus != "" {
			entry.PaymentStatus = payload.PaymentStatus
		}
		entry.PayAmount = payload.PayAmount
		entry.ActuallyPaid = payload.ActuallyPaid
	}

	if err := s.DB.Create(&entry).Error; err != nil {
		log.Printf("❌ Failed to log rejected callback: %v", err)
	}
}

// RefreshFromProcessor is the poll entry point, used when a user views a
// pending payment and by the background worker. Invoice-only records with no
// payment_id yet cannot be polled; that is a deliberate no-op. All gateway
// errors are swallowed so the caller serves the last known state.
func (s *ReconciliationService) RefreshFromProcessor(ctx context.Context, payment *models.CryptoPayment) {
	if payment.PaymentID == nil {
		return
	}

	status, err := s.Gateway.GetPaymentStatus(ctx, *payment.PaymentID)
	if err != nil {
		log.Printf("⚠️  Status poll failed for order %s: %v — serving cached state", payment.OrderID, err)
		return
	}

	var done *completion
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		var fresh models.CryptoPayment
		if err := lockForUpdate(tx).First(&fresh, payment.ID).Error; err != nil {
			return err
		}
		var err error
		done, err = s.applyUpdate(tx, &fresh, updateFromStatus(status))
		if err == nil {
			*payment = fresh
		}
		return err
	})
	if err != nil {
		log.Printf("⚠️  Failed to apply polled status for order %s: %v", payment.OrderID, err)
		return
	}

	if done != nil {
		s.fireCompletionSideEffects(ctx, done)
	}
}

// fireCompletionSideEffects runs after the ledger commit. Failures here are
// logged only; the credit already happened and must not roll back.
func (s *ReconciliationService) fireCompletionSideEffects(ctx context.Context, done *completion) {
	if s.Notifications != nil {
		_, err := s.Notifications.CreateWalletNotification(done.UserID, models.WalletMeta{
			Amount:        done.Amount,
			Currency:      done.Currency,
			Method:        "crypto",
			OrderID:       done.OrderID,
			TransactionID: done.TransactionID,
		})
		if err != nil {
			log.Printf("❌ Failed to create deposit notification for order %s: %v", done.OrderID, err)
		}
	}

	if s.Mailer != nil {
		var user models.User
		if err := s.DB.First(&user, done.UserID).Error; err != nil {
			log.Printf("❌ Cannot resolve user %d for confirmation email: %v", done.UserID, err)
			return
		}
		if err := s.Mailer.SendPaymentConfirmation(ctx, user.Email, user.FirstName, done.Amount, done.Currency); err != nil {
			log.Printf("❌ Failed to send confirmation email for order %s: %v", done.OrderID, err)
		}
	}
}

// archivePayload ships the raw body to object storage, best-effort.
func (s *ReconciliationService) archivePayload(ctx context.Context, orderID string, raw []byte) {
	if s.Archive == nil {
		return
	}
	if orderID == "" {
		orderID = "unknown"
	}
	if err := s.Archive.ArchiveIPNPayload(ctx, orderID, raw); err != nil {
		log.Printf("⚠️  Failed to archive IPN payload for order %s: %v", orderID, err)
	}
}
