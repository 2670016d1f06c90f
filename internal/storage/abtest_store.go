package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
)

// ABTestStore persists A/B tests rotated by the ab_test_rotation handler
type ABTestStore interface {
	CreateABTest(ctx context.Context, test *model.ABTest) error
	GetABTest(ctx context.Context, id string) (*model.ABTest, error)
	// RotateABTest passes the next variant to apply and advances the active
	// variant only when apply succeeds
	RotateABTest(ctx context.Context, id string, apply func(test *model.ABTest, next model.ABVariant) error) (*model.ABTest, error)
}

// SQLiteABTestStore implements ABTestStore using SQLite
type SQLiteABTestStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteABTestStore creates a new SQLite-based A/B test store
func NewSQLiteABTestStore(logger *zap.Logger, db *sql.DB) (*SQLiteABTestStore, error) {
	store := &SQLiteABTestStore{
		logger: logger.Named("ab-test-store"),
		db:     db,
		now:    time.Now,
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ab_tests (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			product_id INTEGER NOT NULL,
			variants TEXT NOT NULL,
			active_variant INTEGER NOT NULL DEFAULT 0,
			rotated_at INTEGER,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ab_tests_owner ON ab_tests(owner_id);
	`); err != nil {
		return nil, fmt.Errorf("failed to initialize ab_tests table: %w", err)
	}
	return store, nil
}

// CreateABTest implements ABTestStore.CreateABTest
func (s *SQLiteABTestStore) CreateABTest(ctx context.Context, test *model.ABTest) error {
	if len(test.Variants) < 2 {
		return fmt.Errorf("ab test needs at least two variants, got %d", len(test.Variants))
	}
	if test.ID == "" {
		test.ID = uuid.New().String()
	}
	if test.CreatedAt.IsZero() {
		test.CreatedAt = s.now()
	}

	variants, err := json.Marshal(test.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ab_tests (id, owner_id, product_id, variants, active_variant, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		test.ID,
		test.OwnerID,
		test.ProductID,
		string(variants),
		test.ActiveVariant,
		toNanos(test.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create ab test: %w", err)
	}
	return nil
}

// GetABTest implements ABTestStore.GetABTest
func (s *SQLiteABTestStore) GetABTest(ctx context.Context, id string) (*model.ABTest, error) {
	return s.getABTest(ctx, s.db, id)
}

func (s *SQLiteABTestStore) getABTest(ctx context.Context, q queryer, id string) (*model.ABTest, error) {
	var test model.ABTest
	var variants string
	var createdAt int64
	var rotatedAt sql.NullInt64

	err := q.QueryRowContext(ctx, `
		SELECT id, owner_id, product_id, variants, active_variant, rotated_at, created_at
		FROM ab_tests WHERE id = ?`, id).Scan(
		&test.ID,
		&test.OwnerID,
		&test.ProductID,
		&variants,
		&test.ActiveVariant,
		&rotatedAt,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ab test %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ab test: %w", err)
	}

	if err := json.Unmarshal([]byte(variants), &test.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	test.CreatedAt = fromNanos(createdAt, "")
	if rotatedAt.Valid {
		t := fromNanos(rotatedAt.Int64, "")
		test.RotatedAt = &t
	}
	return &test, nil
}

// RotateABTest implements ABTestStore.RotateABTest. apply runs outside any
// transaction; the update is conditional on the variant it started from, so a
// concurrent rotation fails with model.ErrInvalidStateTransition.
func (s *SQLiteABTestStore) RotateABTest(ctx context.Context, id string, apply func(test *model.ABTest, next model.ABVariant) error) (*model.ABTest, error) {
	test, err := s.getABTest(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	from := test.ActiveVariant
	next := (from + 1) % len(test.Variants)
	if err := apply(test, test.Variants[next]); err != nil {
		return nil, err
	}

	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE ab_tests SET active_variant = ?, rotated_at = ?
		WHERE id = ? AND active_variant = ?`,
		next, toNanos(now), id, from,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate ab test: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: ab test %s rotated concurrently", model.ErrInvalidStateTransition, id)
	}

	test.ActiveVariant = next
	test.RotatedAt = &now
	s.logger.Debug("Rotated ab test",
		zap.String("ab_test_id", id),
		zap.String("variant", test.Active().Name))
	return test, nil
}
