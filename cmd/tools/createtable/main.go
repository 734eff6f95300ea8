package main

import (
	"log"
	"os"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = "contest:contest@tcp(localhost:3306)/projcontest?parseTime=true&multiStatements=true&loc=Local"
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get DB: %v", err)
	}

	sql := `
	CREATE TABLE IF NOT EXISTS users (
	  id CHAR(36) NOT NULL,
	  email VARCHAR(255) NOT NULL,
	  name VARCHAR(255) NOT NULL,
	  role VARCHAR(16) NOT NULL DEFAULT 'client',
	  password_hash VARCHAR(255) NOT NULL,
	  created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	  updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
	  PRIMARY KEY (id),
	  UNIQUE KEY ux_users_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS sessions (
	  id CHAR(36) NOT NULL,
	  user_id CHAR(36) NOT NULL,
	  token_hash BINARY(32) NOT NULL,
	  expires_at DATETIME(3) NOT NULL,
	  created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	  updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
	  last_seen_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	  PRIMARY KEY (id),
	  UNIQUE KEY ux_sessions_token_hash (token_hash),
	  KEY ix_sessions_user_id (user_id),
	  CONSTRAINT fk_sessions_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS contests (
	  id CHAR(36) NOT NULL,
	  client_id CHAR(36) NOT NULL,
	  title VARCHAR(255) NOT NULL,
	  budget DECIMAL(12,2) NOT NULL,
	  currency CHAR(3) NOT NULL DEFAULT 'EUR',
	  status VARCHAR(32) NOT NULL DEFAULT 'draft',
	  created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	  updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
	  PRIMARY KEY (id),
	  KEY ix_contests_client_id (client_id),
	  KEY ix_contests_status (status),
	  CONSTRAINT fk_contests_client FOREIGN KEY (client_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS payments (
	  id CHAR(36) NOT NULL,
	  contest_id CHAR(36) NOT NULL,
	  user_id CHAR(36) NOT NULL,
	  provider VARCHAR(16) NOT NULL,
	  provider_order_id VARCHAR(128) NOT NULL,
	  provider_payment_id VARCHAR(128) NULL,
	  amount DECIMAL(12,2) NOT NULL,
	  currency CHAR(3) NOT NULL DEFAULT 'EUR',
	  status VARCHAR(32) NOT NULL DEFAULT 'pending',
	  metadata JSON NULL,
	  created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	  updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
	  paid_at DATETIME(3) NULL,
	  PRIMARY KEY (id),
	  UNIQUE KEY ux_payments_provider_order (provider, provider_order_id),
	  KEY ix_payments_contest_id (contest_id),
	  KEY ix_payments_user_id (user_id),
	  CONSTRAINT fk_payments_contest FOREIGN KEY (contest_id) REFERENCES contests(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS provider_events (
	  id CHAR(36) NOT NULL,
	  provider VARCHAR(16) NOT NULL,
	  event_id VARCHAR(128) NOT NULL,
	  event_type VARCHAR(64) NOT NULL,
	  payload_json JSON NOT NULL,
	  received_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	  processed_at DATETIME(3) NULL,
	  process_error VARCHAR(255) NULL,
	  PRIMARY KEY (id),
	  UNIQUE KEY ux_provider_events_provider_event (provider, event_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS settings (
	  ` + "`key`" + ` VARCHAR(64) NOT NULL,
	  value TEXT NOT NULL,
	  encrypted TINYINT(1) NOT NULL DEFAULT 0,
	  updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
	  PRIMARY KEY (` + "`key`" + `)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS notifications (
	  id CHAR(36) NOT NULL,
	  user_id CHAR(36) NOT NULL,
	  kind VARCHAR(32) NOT NULL,
	  title VARCHAR(255) NOT NULL,
	  body TEXT NOT NULL,
	  read_at DATETIME(3) NULL,
	  created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	  PRIMARY KEY (id),
	  KEY ix_notifications_user_created (user_id, created_at),
	  CONSTRAINT fk_notifications_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := sqlDB.Exec(sql); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	log.Println("✓ users table created successfully")
	log.Println("✓ sessions table created successfully")
	log.Println("✓ contests table created successfully")
	log.Println("✓ payments table created successfully")
	log.Println("✓ provider_events table created successfully")
	log.Println("✓ settings table created successfully")
	log.Println("✓ notifications table created successfully")
}
