package auth

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"lumatalk-server/internal/platform/storage"
)

type sqliteUsers struct {
	db *gorm.DB
}

// NewSQLiteUsers builds a SQLite-backed user store. The users table comes
// from storage.Migrate.
func NewSQLiteUsers(db *gorm.DB) UserStore {
	return &sqliteUsers{db: db}
}

// NewUserStore keeps accounts in SQLite when a database handle is available
// and in memory otherwise.
func NewUserStore(db *gorm.DB) UserStore {
	if db != nil {
		return NewSQLiteUsers(db)
	}
	return NewMemoryUsers()
}

func (s *sqliteUsers) Create(ctx context.Context, u User) (User, error) {
	u = prepareUser(u, time.Now())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&storage.UserRecord{}).Where("email = ?", u.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		record := storage.UserRecord{
			ID:               u.ID,
			Email:            u.Email,
			PasswordHash:     u.PasswordHash,
			FullName:         u.FullName,
			SubscriptionTier: u.SubscriptionTier,
			Active:           u.Active,
			TranslationQuota: u.TranslationQuota,
			TranslationsUsed: u.TranslationsUsed,
			LastLoginAt:      u.LastLoginAt,
			CreatedAt:        u.CreatedAt,
			UpdatedAt:        u.UpdatedAt,
		}
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *sqliteUsers) Get(ctx context.Context, id string) (User, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *sqliteUsers) GetByEmail(ctx context.Context, email string) (User, error) {
	return s.first(ctx, "email = ?", NormalizeEmail(email))
}

func (s *sqliteUsers) first(ctx context.Context, query string, arg any) (User, error) {
	var record storage.UserRecord
	if err := s.db.WithContext(ctx).Where(query, arg).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return userFromRecord(record), nil
}

func (s *sqliteUsers) TouchLogin(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&storage.UserRecord{}).Where("id = ?", id).Updates(map[string]any{
		"last_login_at": at,
		"updated_at":    time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func userFromRecord(r storage.UserRecord) User {
	return User{
		ID:               r.ID,
		Email:            r.Email,
		PasswordHash:     r.PasswordHash,
		FullName:         r.FullName,
		SubscriptionTier: r.SubscriptionTier,
		Active:           r.Active,
		TranslationQuota: r.TranslationQuota,
		TranslationsUsed: r.TranslationsUsed,
		LastLoginAt:      r.LastLoginAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}
