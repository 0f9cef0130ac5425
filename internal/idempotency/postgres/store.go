package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aliuwahab/kitua-sub001/internal/core/database"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/idempotency"
	idem "github.com/aliuwahab/kitua-sub001/internal/idempotency"
)

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

var _ idem.Store = (*Store)(nil)

func (s *Store) TryClaim(ctx context.Context, key idem.Key, payload []byte, notBefore time.Time) (idem.ClaimResult, *idempotency.Record, error) {
	next := notBefore.UTC()
	rec := &idempotency.Record{
		Provider:          key.Provider,
		ProviderReference: key.ProviderReference,
		Fingerprint:       key.Fingerprint,
		State:             idempotency.StatePending,
		Payload:           payload,
		NextAttemptAt:     &next,
		CreatedAt:         s.now(),
	}

	res := database.Conn(ctx, s.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return "", nil, res.Error
	}
	if res.RowsAffected == 1 {
		return idem.Claimed, rec, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return idem.AlreadyClaimed, existing, nil
}

func (s *Store) Settle(ctx context.Context, id int64, state idempotency.State, resultStatus string) error {
	now := s.now()
	res := database.Conn(ctx, s.db).
		Model(&idempotency.Record{}).
		Where("id = ? AND state = ?", id, idempotency.StatePending).
		Updates(map[string]any{
			"state":           state,
			"result_status":   resultStatus,
			"applied_at":      now,
			"next_attempt_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return idem.ErrNotPending
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, cause string, retryAt time.Time) error {
	updates := map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": cause,
	}
	if retryAt.IsZero() {
		updates["state"] = idempotency.StateDead
		updates["next_attempt_at"] = nil
	} else {
		updates["next_attempt_at"] = retryAt.UTC()
	}

	res := database.Conn(ctx, s.db).
		Model(&idempotency.Record{}).
		Where("id = ? AND state = ?", id, idempotency.StatePending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return idem.ErrNotPending
	}
	return nil
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*idempotency.Record, error) {
	var records []*idempotency.Record
	err := database.Conn(ctx, s.db).
		Where("state = ? AND next_attempt_at <= ?", idempotency.StatePending, now.UTC()).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) HasOlderPending(ctx context.Context, rec *idempotency.Record) (bool, error) {
	var count int64
	err := database.Conn(ctx, s.db).
		Model(&idempotency.Record{}).
		Where("provider = ? AND provider_reference = ? AND state = ? AND id < ?",
			rec.Provider, rec.ProviderReference, idempotency.StatePending, rec.ID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) Get(ctx context.Context, key idem.Key) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := database.Conn(ctx, s.db).
		Where("provider = ? AND provider_reference = ? AND fingerprint = ?",
			key.Provider, key.ProviderReference, key.Fingerprint).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, idem.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
