package repository

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/pkg/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB initializes the database connection and runs migrations
func InitDB(cfg *config.Config) error {
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	if cfg.Debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	switch cfg.DatabaseType {
	case "postgres", "postgresql":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for PostgreSQL")
		}

		log.Printf("Connecting to PostgreSQL: %s", maskPassword(cfg.DatabaseURL))
		DB, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		log.Println("PostgreSQL connection established")

	default:
		return fmt.Errorf("unsupported database type: %s (only 'postgres' is supported)", cfg.DatabaseType)
	}

	if err := Migrate(DB); err != nil {
		return err
	}

	log.Println("Database initialized successfully")
	return nil
}

// Migrate runs the idempotent schema migration. AutoMigrate adds missing
// columns and indexes and never drops existing ones, so it is safe to run at
// every boot.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Workspace{},
		&models.Session{},
		&models.SessionBilling{},
		&models.CreditTransaction{},
		&models.StorageResource{},
		&models.SessionAttachment{},
		&models.Template{},
		&models.Notification{},
		&models.SystemEvent{},
	); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Backfill: denormalize workspace owner into sessions created before the
	// user_id column existed.
	if err := db.Exec(`
		UPDATE sessions SET user_id = workspaces.user_id
		FROM workspaces
		WHERE sessions.workspace_id = workspaces.id
		  AND (sessions.user_id IS NULL OR sessions.user_id = '')
	`).Error; err != nil {
		log.Printf("user_id backfill skipped: %v", err)
	}

	return nil
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// translateError maps driver errors onto the shared taxonomy
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrConflict
	}
	msg := err.Error()
	if strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint") {
		return fmt.Errorf("%w: %s", models.ErrConflict, msg)
	}
	if strings.Contains(msg, "violates") {
		return fmt.Errorf("%w: %s", models.ErrConstraintViolation, msg)
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "bad connection") {
		return fmt.Errorf("%w: %s", models.ErrBackendUnavailable, msg)
	}
	return err
}

// maskPassword masks the password in a connection string for logging
func maskPassword(url string) string {
	if len(url) < 20 {
		return "****"
	}

	start := -1
	end := -1
	for i := 0; i < len(url); i++ {
		if url[i] == ':' && start == -1 && i > 10 {
			start = i + 1
		}
		if url[i] == '@' && start != -1 {
			end = i
			break
		}
	}

	if start == -1 || end == -1 || start >= end {
		return "****"
	}

	return url[:start] + "****" + url[end:]
}
