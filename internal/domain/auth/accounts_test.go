package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lumatalk-server/internal/platform/storage"
)

var dbSeq atomic.Int64

func userStores(t *testing.T) map[string]func(t *testing.T) UserStore {
	return map[string]func(t *testing.T) UserStore{
		"memory": func(*testing.T) UserStore { return NewMemoryUsers() },
		"sqlite": func(t *testing.T) UserStore {
			db, err := storage.Open(storage.Config{
				Path: fmt.Sprintf("file:users-%d?mode=memory&cache=shared", dbSeq.Add(1)),
			})
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = storage.Close(db) })
			return NewUserStore(db)
		},
	}
}

func TestRegisterAndLogin(t *testing.T) {
	for name, open := range userStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tokens := NewTokens("accounts-secret")
			accounts := NewAccounts(open(t), tokens, bcrypt.MinCost)

			user, err := accounts.Register(ctx, "  Ada@Example.com ", "correct horse", "Ada")
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if user.Email != "ada@example.com" || !user.Active || user.SubscriptionTier != "free" || user.TranslationQuota != 1000 {
				t.Fatalf("unexpected account %+v", user)
			}
			if user.PasswordHash == "correct horse" || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("correct horse")) != nil {
				t.Fatal("password must be stored as a bcrypt hash")
			}

			if _, err := accounts.Register(ctx, "ada@example.com", "another password", ""); !errors.Is(err, ErrEmailTaken) {
				t.Fatalf("duplicate email: got %v", err)
			}

			before := time.Now().Add(-time.Second)
			token, got, err := accounts.Login(ctx, "ADA@example.com", "correct horse")
			if err != nil {
				t.Fatalf("login: %v", err)
			}
			if got.ID != user.ID || got.LastLoginAt == nil || got.LastLoginAt.Before(before) {
				t.Fatalf("login returned %+v", got)
			}
			subject, err := tokens.VerifyAPIToken(token)
			if err != nil || subject != user.ID {
				t.Fatalf("token subject %q (%v), want user id %s", subject, err, user.ID)
			}

			stored, err := accounts.Profile(ctx, user.ID)
			if err != nil {
				t.Fatalf("profile: %v", err)
			}
			if stored.LastLoginAt == nil {
				t.Fatal("login time not recorded")
			}
		})
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	for name, open := range userStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			accounts := NewAccounts(open(t), NewTokens("accounts-secret"), bcrypt.MinCost)
			if _, err := accounts.Register(ctx, "bob@example.com", "hunter2hunter2", ""); err != nil {
				t.Fatalf("register: %v", err)
			}

			if _, _, err := accounts.Login(ctx, "bob@example.com", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("wrong password: got %v", err)
			}
			if _, _, err := accounts.Login(ctx, "nobody@example.com", "hunter2hunter2"); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("unknown email: got %v", err)
			}
		})
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	for name, open := range userStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			users := open(t)
			hash, _ := bcrypt.GenerateFromPassword([]byte("suspended-pass"), bcrypt.MinCost)
			created, err := users.Create(ctx, User{Email: "eve@example.com", PasswordHash: string(hash), Active: false})
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			accounts := NewAccounts(users, NewTokens("accounts-secret"), bcrypt.MinCost)
			if _, _, err := accounts.Login(ctx, "eve@example.com", "suspended-pass"); !errors.Is(err, ErrInactive) {
				t.Fatalf("inactive account: got %v", err)
			}
			stored, err := users.Get(ctx, created.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if stored.Active || stored.LastLoginAt != nil {
				t.Fatalf("inactive account changed: %+v", stored)
			}
		})
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	accounts := NewAccounts(NewMemoryUsers(), NewTokens("accounts-secret"), bcrypt.MinCost)
	cases := []struct{ email, password string }{
		{"not-an-email", "long enough"},
		{"@example.com", "long enough"},
		{"ada@", "long enough"},
		{"ada@example.com", "short"},
	}
	for _, tc := range cases {
		if _, err := accounts.Register(context.Background(), tc.email, tc.password, ""); !errors.Is(err, ErrInvalidAccount) {
			t.Errorf("Register(%q, %q) = %v, want ErrInvalidAccount", tc.email, tc.password, err)
		}
	}
}

func TestUserStoreLookups(t *testing.T) {
	for name, open := range userStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			users := open(t)
			if _, err := users.Get(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
				t.Fatalf("get missing: %v", err)
			}
			if _, err := users.GetByEmail(ctx, "missing@example.com"); !errors.Is(err, ErrUserNotFound) {
				t.Fatalf("get missing email: %v", err)
			}
			if err := users.TouchLogin(ctx, "missing", time.Now()); !errors.Is(err, ErrUserNotFound) {
				t.Fatalf("touch missing: %v", err)
			}
		})
	}
}
