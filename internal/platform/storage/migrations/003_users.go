package migrations

import (
	"gorm.io/gorm"
)

// Migration003Users 用户账号表
type Migration003Users struct{}

func (m *Migration003Users) Version() string {
	return "003_users"
}

func (m *Migration003Users) Description() string {
	return "Create user account table for email login"
}

func (m *Migration003Users) Up(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255) NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			full_name VARCHAR(255),
			subscription_tier VARCHAR(32),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			translation_quota INTEGER DEFAULT 0,
			translations_used INTEGER DEFAULT 0,
			last_login_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error; err != nil {
		return err
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email)`).Error
}

func (m *Migration003Users) Down(db *gorm.DB) error {
	return db.Exec("DROP TABLE IF EXISTS users").Error
}
