// Package store is the credential store and request ledger of the gateway.
//
// It persists users, API keys, upstream endpoints, model records and request
// logs in SQLite through gorm. The gateway reads credentials per request and
// writes only two things: the balance decrement and the RequestLog insert,
// both performed by Settle in a single transaction.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("store: not found")

	// ErrUserNotFound is returned by Settle when the debited user is gone.
	ErrUserNotFound = errors.New("store: user not found")
)

const (
	keyPrefixLen   = 8
	keyEntropySize = 32
	busyTimeoutMs  = 5000
)

// Store wraps a gorm handle. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and migrates the schema.
// SQLite allows a single writer, so the pool is pinned to one connection and
// concurrent writers queue behind the busy timeout instead of failing.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	return New(db)
}

// New migrates the schema on an already opened gorm handle.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, sep, busyTimeoutMs)
}

// DB exposes the underlying handle for fixtures and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HashKey returns the hex sha256 digest under which a raw token is stored.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FindKeyByHash loads an API key together with its owning user.
func (s *Store) FindKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("key_hash = ?", hash).
		First(&key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) FindModel(ctx context.Context, id string) (*Model, error) {
	var m Model
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) FindEndpoint(ctx context.Context, id uint) (*Endpoint, error) {
	var e Endpoint
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// ListActiveModels returns active models ordered by id, with their endpoint
// preloaded (nil when unset or deleted).
func (s *Store) ListActiveModels(ctx context.Context) ([]Model, error) {
	var out []Model
	err := s.db.WithContext(ctx).
		Preload("Endpoint").
		Where("is_active = ?", true).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	return out, nil
}

// ListRequestLogs returns a user's request logs, oldest first.
func (s *Store) ListRequestLogs(ctx context.Context, userID string) ([]RequestLog, error) {
	var out []RequestLog
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list request logs: %w", err)
	}
	return out, nil
}

// Settle debits entry.TotalCost from the user's balance and appends entry,
// as one unit of work. The balance is read, reduced with decimal arithmetic
// and written back inside the transaction; the pool holds a single
// connection, so concurrent settlements for the same user queue behind each
// other and every debit lands.
func (s *Store) Settle(ctx context.Context, entry *RequestLog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u User
		if err := tx.Select("id", "balance").First(&u, "id = ?", entry.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("store: read balance: %w", err)
		}

		err := tx.Model(&User{}).
			Where("id = ?", entry.UserID).
			Update("balance", u.Balance.Sub(entry.TotalCost)).Error
		if err != nil {
			return fmt.Errorf("store: debit balance: %w", err)
		}
		if err := tx.Omit(clause.Associations).Create(entry).Error; err != nil {
			return fmt.Errorf("store: insert request log: %w", err)
		}
		return nil
	})
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("store: create user %q: %w", u.Username, err)
	}
	return nil
}

func (s *Store) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("store: create endpoint %q: %w", e.Name, err)
	}
	return nil
}

func (s *Store) CreateModel(ctx context.Context, m *Model) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(m).Error; err != nil {
		return fmt.Errorf("store: create model %q: %w", m.ID, err)
	}
	return nil
}

// IssueKey mints a new "sk-" token for userID, stores its hash and returns the
// raw token. The raw token cannot be recovered afterwards.
func (s *Store) IssueKey(ctx context.Context, key *APIKey) (string, error) {
	buf := make([]byte, keyEntropySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("store: generate key: %w", err)
	}
	raw := "sk-" + base64.RawURLEncoding.EncodeToString(buf)

	key.KeyHash = HashKey(raw)
	key.KeyPrefix = raw[:keyPrefixLen]
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(key).Error; err != nil {
		return "", fmt.Errorf("store: create key: %w", err)
	}
	return raw, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
