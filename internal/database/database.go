// Package database 提供 MySQL 连接与 go-migrate 迁移功能。
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// 注册 mysql 驱动，后续通过 sql.Open("mysql", dsn) 使用
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/MorseWayne/tyre_ledger/internal/config"
)

// DB 封装数据库连接
type DB struct {
	*sql.DB
	logger *zap.Logger
	dsn    string
}

// DSN 根据配置拼接 MySQL 连接串。parseTime 保证 DATETIME 列可扫描为 time.Time。
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=UTC&multiStatements=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
}

// New 创建数据库连接
func New(cfg *config.Config, logger *zap.Logger) (*DB, error) {
	dsn := DSN(cfg.Database)

	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// 配置连接池
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.DBName),
	)

	return &DB{DB: sqlDB, logger: logger, dsn: dsn}, nil
}

// withMigrator 使用独立连接创建 migrate 实例执行 fn，避免迁移出错影响主连接池
func (db *DB) withMigrator(migrationsDir string, fn func(m *migrate.Migrate) error) error {
	migrateSQLDB, err := sql.Open("mysql", db.dsn)
	if err != nil {
		return fmt.Errorf("open database for migration: %w", err)
	}
	defer migrateSQLDB.Close()

	driver, err := mysql.WithInstance(migrateSQLDB, &mysql.Config{})
	if err != nil {
		return fmt.Errorf("create mysql driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", migrationsDir), "mysql", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	return fn(m)
}

// currentVersion 读取当前版本，脏状态直接报错
func currentVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database is in dirty state at version %d, please check and fix manually", version)
	}
	return version, nil
}

// RunMigrations 执行所有待执行的向上迁移。应在 HTTP 服务启动前调用。
func (db *DB) RunMigrations(migrationsDir string) error {
	return db.withMigrator(migrationsDir, func(m *migrate.Migrate) error {
		from, err := currentVersion(m)
		if err != nil {
			return err
		}
		db.logger.Info("current migration version", zap.Uint("version", from))

		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				db.logger.Info("no new migrations to apply")
				return nil
			}
			return fmt.Errorf("run migrations: %w", err)
		}

		to, _, err := m.Version()
		if err != nil {
			return fmt.Errorf("get new version: %w", err)
		}
		db.logger.Info("migrations completed successfully",
			zap.Uint("from_version", from),
			zap.Uint("to_version", to),
		)
		return nil
	})
}

// MigrateDown 回滚指定步数
// 注意：生产环境慎用
func (db *DB) MigrateDown(migrationsDir string, steps int) error {
	return db.withMigrator(migrationsDir, func(m *migrate.Migrate) error {
		from, err := currentVersion(m)
		if err != nil {
			return err
		}
		db.logger.Info("starting migration rollback",
			zap.Uint("current_version", from),
			zap.Int("steps", steps),
		)

		if err := m.Steps(-steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}

		to, _, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("get new version: %w", err)
		}
		db.logger.Info("migration rollback completed",
			zap.Uint("from_version", from),
			zap.Uint("to_version", to),
		)
		return nil
	})
}

// MigrateToVersion 迁移到指定版本
func (db *DB) MigrateToVersion(migrationsDir string, version uint) error {
	return db.withMigrator(migrationsDir, func(m *migrate.Migrate) error {
		from, err := currentVersion(m)
		if err != nil {
			return err
		}
		db.logger.Info("migrating to specific version",
			zap.Uint("current_version", from),
			zap.Uint("target_version", version),
		)

		if err := m.Migrate(version); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				db.logger.Info("already at target version", zap.Uint("version", version))
				return nil
			}
			return fmt.Errorf("migrate to version %d: %w", version, err)
		}
		return nil
	})
}

// ForceMigrationVersion 强制设置迁移版本，仅用于修复脏状态
func (db *DB) ForceMigrationVersion(migrationsDir string, version uint) error {
	return db.withMigrator(migrationsDir, func(m *migrate.Migrate) error {
		db.logger.Warn("forcing migration version", zap.Uint("version", version))
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("force migration version: %w", err)
		}
		return nil
	})
}

// MigrationStatus 返回当前迁移版本与脏状态，未执行过迁移时版本为 0
func (db *DB) MigrationStatus(migrationsDir string) (version uint, dirty bool, err error) {
	err = db.withMigrator(migrationsDir, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}
