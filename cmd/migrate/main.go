// Package main 是库存台账的数据库迁移工具（ledger-migrate）。
// 管理 products、orders、inventory、inventory_reservations、inventory_movements 表结构，
// 服务启动时也会自动执行 up，本工具用于回滚、定点迁移与修复脏状态。
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/config"
	"github.com/MorseWayne/tyre_ledger/internal/database"
	"github.com/MorseWayne/tyre_ledger/internal/logger"
)

const usageText = `Usage: ledger-migrate -action=<up|down|version|force|status> [options]

Manages the tyre ledger schema (inventory, reservations, movements).
Connection settings come from DB_* environment variables or .env.

Options:
%s
Examples:
  # Apply pending ledger migrations
  ledger-migrate -action=up

  # Show the current schema version
  ledger-migrate -action=status

  # Roll back the last ledger migration
  ledger-migrate -action=down -steps=1

  # Clear a dirty state left by a failed migration
  ledger-migrate -action=force -target=1
`

var errUnknownAction = errors.New("unknown migration action")

// migrator 迁移操作，*database.DB 满足该接口
type migrator interface {
	RunMigrations(dir string) error
	MigrateDown(dir string, steps int) error
	MigrateToVersion(dir string, version uint) error
	ForceMigrationVersion(dir string, version uint) error
	MigrationStatus(dir string) (uint, bool, error)
}

type options struct {
	action string
	steps  int
	target uint
	dir    string
}

func parseFlags(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	fs := flag.NewFlagSet("ledger-migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.action, "action", "up", "Migration action: up, down, version, force, status")
	fs.IntVar(&opts.steps, "steps", 1, "Number of steps for down migration")
	fs.UintVar(&opts.target, "target", 0, "Target version for version or force migration")
	fs.StringVar(&opts.dir, "dir", "", "Migrations directory (default MIGRATIONS_DIR)")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return opts, fs, nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	var defaults strings.Builder
	fs.SetOutput(&defaults)
	fs.PrintDefaults()
	fs.SetOutput(w)
	fmt.Fprintf(w, usageText, defaults.String())
}

// run 执行一次迁移动作
func run(m migrator, opts *options, lg *zap.Logger) error {
	switch opts.action {
	case "up":
		lg.Info("执行台账表结构迁移", zap.String("dir", opts.dir))
		return m.RunMigrations(opts.dir)

	case "down":
		if opts.steps <= 0 {
			return fmt.Errorf("steps must be positive, got %d", opts.steps)
		}
		lg.Warn("回滚台账表结构", zap.Int("steps", opts.steps))
		return m.MigrateDown(opts.dir, opts.steps)

	case "version":
		if opts.target == 0 {
			return errors.New("target version must be specified for version migration")
		}
		lg.Info("迁移到指定版本", zap.Uint("target", opts.target))
		return m.MigrateToVersion(opts.dir, opts.target)

	case "force":
		// 允许版本 0，表示重置到无迁移状态
		lg.Warn("强制设置迁移版本，将清除脏状态", zap.Uint("target", opts.target))
		return m.ForceMigrationVersion(opts.dir, opts.target)

	case "status":
		version, dirty, err := m.MigrationStatus(opts.dir)
		if err != nil {
			return err
		}
		lg.Info("当前迁移版本", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil

	default:
		return fmt.Errorf("%w: %q", errUnknownAction, opts.action)
	}
}

func main() {
	opts, fs, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if opts.dir == "" {
		opts.dir = cfg.Migrations.Dir
	}

	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, "ledger-migrate", cfg.App.Version)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	db, err := database.New(cfg, lg)
	if err != nil {
		lg.Fatal("连接数据库失败", zap.Error(err))
	}
	defer db.Close()

	if err := run(db, opts, lg); err != nil {
		if errors.Is(err, errUnknownAction) {
			fs.Usage()
		}
		lg.Error("迁移失败", zap.String("action", opts.action), zap.Error(err))
		db.Close()
		os.Exit(1)
	}
	lg.Info("迁移完成", zap.String("action", opts.action))
}
