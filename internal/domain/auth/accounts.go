package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

// ErrInvalidAccount is wrapped by Register for a malformed email or a short
// password.
var ErrInvalidAccount = errors.New("auth: invalid account details")

// Accounts registers users and exchanges their credentials for API tokens.
type Accounts struct {
	users  UserStore
	tokens *Tokens
	cost   int
	now    func() time.Time

	// 未知邮箱也做一次比对，避免通过耗时区分账号是否存在
	dummyHash []byte
}

// NewAccounts builds the account service. A cost of 0 uses bcrypt.DefaultCost.
func NewAccounts(users UserStore, tokens *Tokens, cost int) *Accounts {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("lumatalk-dummy-password"), cost)
	return &Accounts{users: users, tokens: tokens, cost: cost, now: time.Now, dummyHash: dummy}
}

// Register creates an active account with a bcrypt password hash.
func (a *Accounts) Register(ctx context.Context, email, password, fullName string) (User, error) {
	email = NormalizeEmail(email)
	if at := strings.Index(email, "@"); at <= 0 || at == len(email)-1 {
		return User{}, fmt.Errorf("%w: email %q", ErrInvalidAccount, email)
	}
	if len(password) < minPasswordLen {
		return User{}, fmt.Errorf("%w: password shorter than %d characters", ErrInvalidAccount, minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	return a.users.Create(ctx, User{
		Email:        email,
		PasswordHash: string(hash),
		FullName:     fullName,
		Active:       true,
	})
}

// Login checks the password, records the login time and issues an API token
// whose subject is the user id.
func (a *Accounts) Login(ctx context.Context, email, password string) (string, User, error) {
	user, err := a.users.GetByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(a.dummyHash, []byte(password))
		return "", User{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", User{}, ErrInvalidCredentials
	}
	if !user.Active {
		return "", User{}, ErrInactive
	}

	now := a.now()
	if err := a.users.TouchLogin(ctx, user.ID, now); err != nil {
		return "", User{}, err
	}
	user.LastLoginAt = &now

	token, err := a.tokens.IssueAPIToken(user.ID)
	if err != nil {
		return "", User{}, err
	}
	return token, user, nil
}

// Profile returns the account behind a token subject.
func (a *Accounts) Profile(ctx context.Context, userID string) (User, error) {
	return a.users.Get(ctx, userID)
}

// TokenTTL is the lifetime of the tokens Login issues.
func (a *Accounts) TokenTTL() time.Duration {
	return a.tokens.TTL()
}
