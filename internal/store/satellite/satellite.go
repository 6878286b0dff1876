package satellite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
)

// DB is one replica of the contact graph. The relational satellite runs on
// Postgres, the embedded one on SQLite; both expose the same operations so
// the sync fanout treats them uniformly.
type DB struct {
	gdb  *gorm.DB
	name string
	log  *logger.Logger
}

func OpenPostgres(dsn string, log *logger.Logger) (*DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open relational satellite: %w", err)
	}
	return newDB(gdb, domain.SourceRelational, log)
}

func OpenSQLite(path string, log *logger.Logger) (*DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open embedded satellite: %w", err)
	}
	return newDB(gdb, domain.SourceEmbedded, log)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
}

func newDB(gdb *gorm.DB, name string, log *logger.Logger) (*DB, error) {
	db := &DB{gdb: gdb, name: name, log: log.With("service", "Satellite", "satellite", name)}
	if err := db.migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *DB) migrate() error {
	err := d.gdb.AutoMigrate(
		&domain.Contact{},
		&domain.Business{},
		&domain.Relationship{},
		&domain.BusinessRelationship{},
		&domain.ContactIdentifier{},
	)
	if err != nil {
		return fmt.Errorf("migrate satellite %s: %w", d.name, err)
	}
	return nil
}

// Name identifies this satellite in processed-event and error records.
func (d *DB) Name() string { return d.name }

func (d *DB) GetContact(ctx context.Context, contactID string) (*domain.Contact, error) {
	var c domain.Contact
	if err := d.gdb.WithContext(ctx).First(&c, "contact_id = ?", contactID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveContact replaces the full row. The sync core has already resolved any
// conflict before calling this, so a plain save is correct here.
func (d *DB) SaveContact(ctx context.Context, c *domain.Contact) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return d.gdb.WithContext(ctx).Save(c).Error
}

func (d *DB) DeleteContact(ctx context.Context, contactID string) error {
	return d.gdb.WithContext(ctx).Delete(&domain.Contact{}, "contact_id = ?", contactID).Error
}

// ContactsUpdatedSince walks forward through local edits for outbound polling.
func (d *DB) ContactsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Contact, error) {
	var out []domain.Contact
	err := d.gdb.WithContext(ctx).
		Where("updated_at > ?", since.UTC()).
		Order("updated_at, contact_id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (d *DB) SaveBusiness(ctx context.Context, b *domain.Business) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	return d.gdb.WithContext(ctx).Save(b).Error
}

func (d *DB) GetBusiness(ctx context.Context, businessID string) (*domain.Business, error) {
	var b domain.Business
	if err := d.gdb.WithContext(ctx).First(&b, "business_id = ?", businessID).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (d *DB) SaveRelationship(ctx context.Context, r *domain.Relationship) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return d.gdb.WithContext(ctx).Save(r).Error
}

func (d *DB) SaveIdentifier(ctx context.Context, id *domain.ContactIdentifier) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	return d.gdb.WithContext(ctx).Save(id).Error
}

func (d *DB) IdentifiersFor(ctx context.Context, contactID string) ([]domain.ContactIdentifier, error) {
	var out []domain.ContactIdentifier
	err := d.gdb.WithContext(ctx).
		Where("contact_id = ?", contactID).
		Order("identifier_type, value").
		Find(&out).Error
	return out, err
}

func (d *DB) Close() error {
	sqlDB, err := d.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
