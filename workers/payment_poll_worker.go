// workers/payment_poll_worker.go
package workers

import (
	"context"
	"log"
	"time"

	"stocksco-payment-system/models"
	"stocksco-payment-system/services"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// PaymentPollWorker periodically reconciles pending payments whose status
// has not moved in a while, so a lost webhook cannot strand a deposit.
// Invoice-only records without a payment_id are skipped; they cannot be
// polled and must wait for their first IPN.
type PaymentPollWorker struct {
	DB             *gorm.DB
	Reconciliation *services.ReconciliationService
	Interval       time.Duration
	StaleAfter     time.Duration

	scheduler gocron.Scheduler
}

func NewPaymentPollWorker(db *gorm.DB, reconciliation *services.ReconciliationService, interval, staleAfter time.Duration) *PaymentPollWorker {
	return &PaymentPollWorker{
		DB:             db,
		Reconciliation: reconciliation,
		Interval:       interval,
		StaleAfter:     staleAfter,
	}
}

// Start schedules the poll job. Call Stop on shutdown.
func (w *PaymentPollWorker) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	w.scheduler = sched

	_, err = sched.NewJob(
		gocron.DurationJob(w.Interval),
		gocron.NewTask(func() {
			w.pollStalePayments(ctx)
		}),
	)
	if err != nil {
		return err
	}

	sched.Start()
	log.Printf("✅ Payment poll worker running (every %s, stale after %s)", w.Interval, w.StaleAfter)
	return nil
}

func (w *PaymentPollWorker) Stop() {
	if w.scheduler != nil {
		if err := w.scheduler.Shutdown(); err != nil {
			log.Printf("[PollWorker] Scheduler shutdown error: %v", err)
		}
	}
}

func (w *PaymentPollWorker) pollStalePayments(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.StaleAfter)

	var payments []models.CryptoPayment
	err := w.DB.
		Where("payment_status IN ?", []string{
			services.StatusWaiting, services.StatusConfirming,
			services.StatusSending, services.StatusPartiallyPaid,
		}).
		Where("payment_id IS NOT NULL").
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Limit(50).
		Find(&payments).Error
	if err != nil {
		log.Printf("[PollWorker] DB error: %v", err)
		return
	}

	if len(payments) == 0 {
		return
	}
	log.Printf("[PollWorker] Reconciling %d stale pending payment(s)", len(payments))

	for i := range payments {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.Reconciliation.RefreshFromProcessor(ctx, &payments[i])
	}
}
