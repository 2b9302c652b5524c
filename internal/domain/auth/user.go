package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTier  = "free"
	defaultQuota = 1000
)

var (
	// ErrUserNotFound is returned when no account matches the id or email.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrEmailTaken is returned by Create when the email is already registered.
	ErrEmailTaken = errors.New("auth: email already registered")
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInactive is returned by Login for a disabled account.
	ErrInactive = errors.New("auth: account is inactive")
)

// User is a registered account. The id is the subject of every token issued
// for it.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	FullName         string     `json:"full_name,omitempty"`
	SubscriptionTier string     `json:"subscription_tier"`
	Active           bool       `json:"active"`
	TranslationQuota int        `json:"translation_quota"`
	TranslationsUsed int        `json:"translations_used"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// UserStore keeps accounts. Emails are unique after NormalizeEmail.
type UserStore interface {
	Create(ctx context.Context, u User) (User, error)
	Get(ctx context.Context, id string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	// TouchLogin records a successful login.
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// NormalizeEmail 统一邮箱大小写和空白
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func prepareUser(u User, now time.Time) User {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = NormalizeEmail(u.Email)
	u.FullName = strings.TrimSpace(u.FullName)
	if u.SubscriptionTier == "" {
		u.SubscriptionTier = defaultTier
	}
	if u.TranslationQuota == 0 {
		u.TranslationQuota = defaultQuota
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return u
}
