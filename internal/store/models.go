package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Money columns are TEXT so SQLite keeps the exact decimal string instead of
// coercing it to a REAL.

// User owns a prepaid balance. Balance is signed and may go negative under
// concurrent load.
type User struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	Username  string          `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Balance   decimal.Decimal `gorm:"type:text;not null" json:"balance"`
	IsActive  bool            `gorm:"not null" json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

// APIKey stores only the sha256 digest of the issued secret.
type APIKey struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	KeyHash        string    `gorm:"uniqueIndex;size:64;not null" json:"-"`
	KeyPrefix      string    `gorm:"size:16" json:"key_prefix"`
	UserID         string    `gorm:"index;size:36;not null" json:"user_id"`
	User           User      `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Name           string    `gorm:"size:100" json:"name"`
	IsActive       bool      `gorm:"not null" json:"is_active"`
	LogContent     bool      `gorm:"not null" json:"log_content"`
	RateLimitModel *string   `gorm:"size:32" json:"rate_limit_model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Endpoint is an upstream provider connection. Kind selects the wire
// protocol; an empty Kind means an OpenAI-compatible backend.
type Endpoint struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	Name     string  `gorm:"uniqueIndex;size:100;not null" json:"name"`
	BaseURL  string  `gorm:"not null" json:"base_url"`
	APIKey   *string `json:"-"`
	Kind     string  `gorm:"size:32" json:"kind"`
	RPMLimit *int    `json:"rpm_limit,omitempty"`
	DayLimit *int    `json:"day_limit,omitempty"`
	IsActive bool    `gorm:"not null" json:"is_active"`
}

// Model is a publicly addressable model id with its pricing and quota
// overrides. ProviderName is what gets sent upstream.
type Model struct {
	ID              string          `gorm:"primaryKey;size:100" json:"id"`
	ProviderName    string          `gorm:"not null" json:"provider_name"`
	PriceIn         decimal.Decimal `gorm:"type:text;not null" json:"price_in"`
	PriceOut        decimal.Decimal `gorm:"type:text;not null" json:"price_out"`
	RPMLimit        *int            `json:"rpm_limit,omitempty"`
	DayLimit        *int            `json:"day_limit,omitempty"`
	EndpointID      *uint           `gorm:"index" json:"endpoint_id,omitempty"`
	Endpoint        *Endpoint       `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	FallbackModelID *string         `gorm:"size:100" json:"fallback_model_id,omitempty"`
	IsActive        bool            `gorm:"not null" json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RequestLog is written once per billed request and never updated.
type RequestLog struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	UserID         string          `gorm:"index;size:36;not null" json:"user_id"`
	APIKeyID       string          `gorm:"index;size:36;not null" json:"api_key_id"`
	ModelUsed      string          `gorm:"index;size:100;not null" json:"model_used"`
	InputUnits     int             `gorm:"not null" json:"input_units"`
	OutputUnits    int             `gorm:"not null" json:"output_units"`
	TotalCost      decimal.Decimal `gorm:"type:text;not null" json:"total_cost"`
	PromptText     *string         `gorm:"type:text" json:"prompt_text,omitempty"`
	CompletionText *string         `gorm:"type:text" json:"completion_text,omitempty"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (k *APIKey) BeforeCreate(*gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return nil
}

func (l *RequestLog) BeforeCreate(*gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// allModels lists every table managed by AutoMigrate, parents first.
var allModels = []any{
	&User{},
	&APIKey{},
	&Endpoint{},
	&Model{},
	&RequestLog{},
}
