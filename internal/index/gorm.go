package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blackwell-systems/bookledger/internal/catalog"
)

type bookRow struct {
	LedgerID           uint64 `gorm:"primaryKey;autoIncrement:false"`
	Title              string `gorm:"not null"`
	AuthorName         string
	Description        string
	PublisherID        string `gorm:"index"`
	PriceMinorUnits    int64  `gorm:"not null"`
	RoyaltyPercent     int    `gorm:"not null"`
	ContentFingerprint string `gorm:"index"`
	CoverFingerprint   string
	Active             bool  `gorm:"not null"`
	TotalSales         int64 `gorm:"not null;default:0"`
	UpdatedAt          time.Time
}

func (bookRow) TableName() string { return "books" }

type entitlementRow struct {
	BuyerID    string `gorm:"primaryKey"`
	LedgerID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	PurchaseID string `gorm:"uniqueIndex"`
	TxID       string
	GrantedAt  time.Time
}

func (entitlementRow) TableName() string { return "entitlements" }

// Gorm is a Store backed by a SQL database through gorm.
type Gorm struct {
	db *gorm.DB
}

// OpenGorm connects to dsn and migrates the index tables. Postgres URLs and
// keyword DSNs use the postgres driver; anything else is a SQLite path.
func OpenGorm(dsn string) (*Gorm, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to index database: %w", err)
	}
	if err := db.AutoMigrate(&bookRow{}, &entitlementRow{}); err != nil {
		return nil, fmt.Errorf("migrating index database: %w", err)
	}
	return &Gorm{db: db}, nil
}

// Close releases the underlying connection pool.
func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

func (g *Gorm) PutBook(ctx context.Context, b catalog.Book) error {
	row := bookRow{
		LedgerID:           b.LedgerID,
		Title:              b.Title,
		AuthorName:         b.AuthorName,
		Description:        b.Description,
		PublisherID:        b.PublisherID,
		PriceMinorUnits:    b.PriceMinorUnits,
		RoyaltyPercent:     b.RoyaltyPercent,
		ContentFingerprint: b.ContentFingerprint,
		CoverFingerprint:   b.CoverFingerprint,
		Active:             b.Active,
		TotalSales:         b.TotalSales,
		UpdatedAt:          time.Now().UTC(),
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return translate(err)
}

func (g *Gorm) GetBook(ctx context.Context, ledgerID uint64) (*catalog.Book, error) {
	var row bookRow
	if err := g.db.WithContext(ctx).First(&row, "ledger_id = ?", ledgerID).Error; err != nil {
		return nil, translate(err)
	}
	b := row.book()
	return &b, nil
}

func (g *Gorm) ListBooks(ctx context.Context, f catalog.Filter) ([]catalog.Book, int, error) {
	matching := func() *gorm.DB {
		q := g.db.WithContext(ctx).Model(&bookRow{})
		if f.ActiveOnly {
			q = q.Where("active = ?", true)
		}
		if s := strings.TrimSpace(f.Search); s != "" {
			like := "%" + strings.ToLower(s) + "%"
			q = q.Where("LOWER(title) LIKE ? OR LOWER(author_name) LIKE ? OR LOWER(description) LIKE ?", like, like, like)
		}
		return q
	}
	var total int64
	if err := matching().Count(&total).Error; err != nil {
		return nil, 0, translate(err)
	}
	q := matching().Order("ledger_id")
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []bookRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, translate(err)
	}
	out := make([]catalog.Book, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.book())
	}
	return out, int(total), nil
}

func (g *Gorm) PutEntitlement(ctx context.Context, e catalog.Entitlement) error {
	if e.GrantedAt.IsZero() {
		e.GrantedAt = time.Now().UTC()
	}
	row := entitlementRow{
		BuyerID:    e.BuyerID,
		LedgerID:   e.LedgerID,
		PurchaseID: e.PurchaseID,
		TxID:       e.TxID,
		GrantedAt:  e.GrantedAt,
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return translate(err)
}

func (g *Gorm) HasEntitlement(ctx context.Context, buyerID string, ledgerID uint64) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&entitlementRow{}).
		Where("buyer_id = ? AND ledger_id = ?", buyerID, ledgerID).Count(&n).Error
	return n > 0, translate(err)
}

func (g *Gorm) ListEntitlements(ctx context.Context, buyerID string) ([]catalog.Entitlement, error) {
	var rows []entitlementRow
	err := g.db.WithContext(ctx).Where("buyer_id = ?", buyerID).Order("ledger_id").Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]catalog.Entitlement, 0, len(rows))
	for _, r := range rows {
		out = append(out, catalog.Entitlement{
			BuyerID:    r.BuyerID,
			LedgerID:   r.LedgerID,
			PurchaseID: r.PurchaseID,
			TxID:       r.TxID,
			GrantedAt:  r.GrantedAt,
		})
	}
	return out, nil
}

func (r bookRow) book() catalog.Book {
	return catalog.Book{
		LedgerID:           r.LedgerID,
		Title:              r.Title,
		AuthorName:         r.AuthorName,
		Description:        r.Description,
		PublisherID:        r.PublisherID,
		PriceMinorUnits:    r.PriceMinorUnits,
		RoyaltyPercent:     r.RoyaltyPercent,
		ContentFingerprint: r.ContentFingerprint,
		CoverFingerprint:   r.CoverFingerprint,
		Active:             r.Active,
		TotalSales:         r.TotalSales,
		UpdatedAt:          r.UpdatedAt,
	}
}
