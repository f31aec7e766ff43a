package notesd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/text/unicode/norm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"notegate/chain"
	"notegate/sdk/notes"
)

var (
	// ErrNotFound is returned when no note has the requested tokenId.
	ErrNotFound = errors.New("notesd: note not found")
	// ErrDuplicate is returned when a tokenId is already registered.
	ErrDuplicate = errors.New("notesd: tokenId already registered")
)

// ValidationError reports a missing or malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// OpenDatabase opens the configured gorm dialect and migrates the schema.
func OpenDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Store persists registry records.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// List returns every note, newest first.
func (s *Store) List(ctx context.Context) ([]notes.Record, error) {
	var rows []Note
	if err := s.db.WithContext(ctx).Order("timestamp desc").Order("id desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]notes.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// Get loads the note registered under tokenID.
func (s *Store) Get(ctx context.Context, tokenID string) (notes.Record, error) {
	row, err := s.find(s.db.WithContext(ctx), tokenID)
	if err != nil {
		return notes.Record{}, err
	}
	return row.record(), nil
}

// Create validates and stores record. A zero timestamp is set to now.
func (s *Store) Create(ctx context.Context, record notes.Record) (notes.Record, error) {
	record = normaliseRecord(record)
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now().UTC()
	}
	if err := validateRecord(record); err != nil {
		return notes.Record{}, err
	}
	row := noteFromRecord(record)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Note{}).Where("token_id = ?", record.TokenID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}
		return tx.Create(&row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = ErrDuplicate
	}
	if err != nil {
		return notes.Record{}, err
	}
	return row.record(), nil
}

// Update applies patch to the note registered under tokenID.
func (s *Store) Update(ctx context.Context, tokenID string, patch notes.Patch) (notes.Record, error) {
	var updated Note
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.find(tx, tokenID)
		if err != nil {
			return err
		}
		applyPatch(&row, patch)
		if err := validateRecord(row.record()); err != nil {
			return err
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return notes.Record{}, err
	}
	return updated.record(), nil
}

// Delete removes the note registered under tokenID and returns it.
func (s *Store) Delete(ctx context.Context, tokenID string) (notes.Record, error) {
	var deleted Note
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.find(tx, tokenID)
		if err != nil {
			return err
		}
		if err := tx.Delete(&row).Error; err != nil {
			return err
		}
		deleted = row
		return nil
	})
	if err != nil {
		return notes.Record{}, err
	}
	return deleted.record(), nil
}

func (s *Store) find(db *gorm.DB, tokenID string) (Note, error) {
	var row Note
	err := db.Where("token_id = ?", strings.TrimSpace(tokenID)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, ErrNotFound
	}
	return row, err
}

func applyPatch(row *Note, patch notes.Patch) {
	if patch.Title != nil {
		row.Title = nfc(*patch.Title)
	}
	if patch.Content != nil {
		row.Content = *patch.Content
	}
	if patch.Course != nil {
		row.Course = nfc(*patch.Course)
	}
	if patch.Topic != nil {
		row.Topic = nfc(*patch.Topic)
	}
	if patch.PriceInWei != nil {
		row.PriceInWei = strings.TrimSpace(*patch.PriceInWei)
	}
	if patch.MaxSupplyInWei != nil {
		row.MaxSupplyInWei = strings.TrimSpace(*patch.MaxSupplyInWei)
	}
	if patch.TokenURI != nil {
		row.TokenURI = strings.TrimSpace(*patch.TokenURI)
	}
}

func normaliseRecord(r notes.Record) notes.Record {
	r.TokenID = strings.TrimSpace(r.TokenID)
	r.Title = nfc(r.Title)
	r.Course = nfc(r.Course)
	r.Topic = nfc(r.Topic)
	r.Author = strings.TrimSpace(r.Author)
	r.PriceInWei = strings.TrimSpace(r.PriceInWei)
	r.MaxSupplyInWei = strings.TrimSpace(r.MaxSupplyInWei)
	r.TokenURI = strings.TrimSpace(r.TokenURI)
	r.ContentHash = strings.TrimSpace(r.ContentHash)
	return r
}

func nfc(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

func validateRecord(r notes.Record) error {
	required := []struct {
		field string
		value string
	}{
		{"tokenId", r.TokenID},
		{"title", r.Title},
		{"content", r.Content},
		{"author", r.Author},
		{"priceInWei", r.PriceInWei},
		{"maxSupplyInWei", r.MaxSupplyInWei},
		{"tokenURI", r.TokenURI},
		{"contentHash", r.ContentHash},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.field, Reason: "is required"}
		}
	}
	for _, f := range []struct {
		field string
		value string
	}{{"tokenId", r.TokenID}, {"priceInWei", r.PriceInWei}, {"maxSupplyInWei", r.MaxSupplyInWei}} {
		if _, err := chain.ParseWei(f.value); err != nil {
			return &ValidationError{Field: f.field, Reason: "must be a uint256 decimal integer"}
		}
	}
	return nil
}

