package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/aliuwahab/kitua-sub001/internal/core/database"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	paymentpkg "github.com/aliuwahab/kitua-sub001/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

var _ paymentpkg.RepositoryAPI = (*PaymentRepository)(nil)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paymentpkg.ErrNotFound
	}
	return err
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	return database.Conn(ctx, r.db).Create(p).Error
}

func (r *PaymentRepository) Load(ctx context.Context, id int64) (*payment.Payment, error) {
	var p payment.Payment
	err := database.Conn(ctx, r.db).First(&p, id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PaymentRepository) GetByReference(ctx context.Context, reference string) (*payment.Payment, error) {
	var p payment.Payment
	err := database.Conn(ctx, r.db).Where("reference = ?", reference).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PaymentRepository) GetByProviderReference(ctx context.Context, providerName, providerReference string) (*payment.Payment, error) {
	var p payment.Payment
	err := database.Conn(ctx, r.db).
		Where("LOWER(provider) = LOWER(?) AND provider_reference = ?", providerName, providerReference).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PaymentRepository) CompareAndSwapStatus(ctx context.Context, id int64, expected, next payment.Status, changes paymentpkg.Changes) error {
	updates := map[string]interface{}{
		"status":     next,
		"updated_at": time.Now().UTC(),
	}

	q := database.Conn(ctx, r.db).Model(&payment.Payment{}).Where("id = ? AND status = ?", id, expected)
	if changes.ProviderReference != nil {
		updates["provider_reference"] = *changes.ProviderReference
		// the reference is immutable once set
		q = q.Where("(provider_reference IS NULL OR provider_reference = ?)", *changes.ProviderReference)
	}
	if changes.Metadata != nil {
		updates["metadata"] = changes.Metadata
	}
	if changes.FailureReason != nil {
		updates["failure_reason"] = *changes.FailureReason
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update payment %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := database.Conn(ctx, r.db).Model(&payment.Payment{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return paymentpkg.ErrNotFound
		}
		return paymentpkg.ErrStatusConflict
	}
	return nil
}

func (r *PaymentRepository) ListStale(ctx context.Context, statuses []payment.Status, idleSince time.Time, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := database.Conn(ctx, r.db).
		Where("status IN ? AND updated_at < ?", statuses, idleSince).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) Touch(ctx context.Context, id int64) error {
	return database.Conn(ctx, r.db).Model(&payment.Payment{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().UTC()).Error
}

func (r *PaymentRepository) CreateRefund(ctx context.Context, refund *payment.Refund) error {
	return database.Conn(ctx, r.db).Create(refund).Error
}

func (r *PaymentRepository) UpdateRefund(ctx context.Context, refund *payment.Refund) error {
	return database.Conn(ctx, r.db).Model(refund).
		Select("status", "provider_refund_reference", "metadata", "updated_at").
		Updates(refund).Error
}

func (r *PaymentRepository) RefundTotals(ctx context.Context, paymentID int64) (paymentpkg.RefundTotals, error) {
	var rows []struct {
		Status payment.RefundStatus
		Total  int64
	}
	err := database.Conn(ctx, r.db).Model(&payment.Refund{}).
		Select("status, COALESCE(SUM(amount_minor), 0) AS total").
		Where("payment_id = ?", paymentID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return paymentpkg.RefundTotals{}, err
	}

	var totals paymentpkg.RefundTotals
	for _, row := range rows {
		switch row.Status {
		case payment.RefundStatusSucceeded:
			totals.SucceededMinor = row.Total
		case payment.RefundStatusPending:
			totals.PendingMinor = row.Total
		}
	}
	return totals, nil
}

func (r *PaymentRepository) ListRefunds(ctx context.Context, paymentID int64) ([]*payment.Refund, error) {
	var refunds []*payment.Refund
	err := database.Conn(ctx, r.db).Where("payment_id = ?", paymentID).Order("id ASC").Find(&refunds).Error
	return refunds, err
}

func (r *PaymentRepository) ListPendingRefunds(ctx context.Context, idleSince time.Time, limit int) ([]*payment.Refund, error) {
	var refunds []*payment.Refund
	err := database.Conn(ctx, r.db).
		Where("status = ? AND updated_at < ?", payment.RefundStatusPending, idleSince).
		Order("updated_at ASC").
		Limit(limit).
		Find(&refunds).Error
	return refunds, err
}

func (r *PaymentRepository) TouchRefund(ctx context.Context, id int64) error {
	return database.Conn(ctx, r.db).Model(&payment.Refund{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().UTC()).Error
}
