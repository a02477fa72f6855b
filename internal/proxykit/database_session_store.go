package proxykit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("session_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("session_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("session_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("session_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("session_store.unsupported_no_scheme")
)

// DatabaseSessionStore persists platform sessions using GORM.
type DatabaseSessionStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseSessionStore) Driver() string {
	return store.driverLabel
}

type sessionRecord struct {
	SessionID   string `gorm:"column:session_id;primaryKey"`
	Shop        string `gorm:"column:shop;index;not null"`
	AccessToken string `gorm:"column:access_token;not null"`
	IsOnline    bool   `gorm:"column:is_online;not null;default:false"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;default:0"`
	Scope       string `gorm:"column:scope;not null;default:''"`
}

func (sessionRecord) TableName() string {
	return "shop_sessions"
}

func (record sessionRecord) toSession() Session {
	session := Session{
		ID:          record.SessionID,
		Shop:        record.Shop,
		AccessToken: record.AccessToken,
		IsOnline:    record.IsOnline,
		Scope:       record.Scope,
	}
	if record.ExpiresUnix != 0 {
		session.Expires = time.Unix(record.ExpiresUnix, 0).UTC()
	}
	return session
}

// NewDatabaseSessionStore constructs a GORM-backed store.
func NewDatabaseSessionStore(ctx context.Context, databaseURL string) (*DatabaseSessionStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("session_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("session_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("session_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseSessionStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindOfflineSession returns the canonical offline session for the shop.
func (store *DatabaseSessionStore) FindOfflineSession(ctx context.Context, shop string) (Session, error) {
	if strings.TrimSpace(shop) == "" {
		return Session{}, fmt.Errorf("session_store.find.%s: %w", store.driverLabel, ErrSessionEmptyShop)
	}
	var records []sessionRecord
	err := store.db.WithContext(ctx).
		Where("shop = ? AND is_online = ?", shop, false).
		Order("expires_unix DESC").
		Find(&records).Error
	if err != nil {
		return Session{}, fmt.Errorf("session_store.find.%s: %w", store.driverLabel, err)
	}
	candidates := make([]Session, 0, len(records))
	for _, record := range records {
		candidates = append(candidates, record.toSession())
	}
	selected, found := SelectOfflineSession(candidates, activeClock().Now())
	if !found {
		return Session{}, fmt.Errorf("session_store.find.%s: %w", store.driverLabel, ErrSessionNotFound)
	}
	return selected, nil
}

// StoreSession upserts a session by its ID.
func (store *DatabaseSessionStore) StoreSession(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session_store.store.%s: %w", store.driverLabel, ErrSessionEmptyID)
	}
	if strings.TrimSpace(session.Shop) == "" {
		return fmt.Errorf("session_store.store.%s: %w", store.driverLabel, ErrSessionEmptyShop)
	}
	record := sessionRecord{
		SessionID:   session.ID,
		Shop:        session.Shop,
		AccessToken: session.AccessToken,
		IsOnline:    session.IsOnline,
		Scope:       session.Scope,
	}
	if !session.Expires.IsZero() {
		record.ExpiresUnix = session.Expires.Unix()
	}
	err := store.db.WithContext(ctx).Save(&record).Error
	if err != nil {
		return fmt.Errorf("session_store.store.%s: %w", store.driverLabel, err)
	}
	return nil
}

// DeleteSessions removes every session stored for the shop.
func (store *DatabaseSessionStore) DeleteSessions(ctx context.Context, shop string) error {
	if strings.TrimSpace(shop) == "" {
		return fmt.Errorf("session_store.delete.%s: %w", store.driverLabel, ErrSessionEmptyShop)
	}
	err := store.db.WithContext(ctx).Where("shop = ?", shop).Delete(&sessionRecord{}).Error
	if err != nil {
		return fmt.Errorf("session_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("session_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("session_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("session_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("session_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
