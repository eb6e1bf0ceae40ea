package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/internal/database"
	"github.com/BaSui01/agentjobs/internal/migration"
)

// =============================================================================
// 数据库迁移命令
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage(nil)
		os.Exit(1)
	}

	subcommand, rest := args[0], args[1:]
	if subcommand == "help" || subcommand == "-h" || subcommand == "--help" {
		printMigrateUsage(nil)
		return
	}

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	// 位置参数（如 force 的版本号）可以出现在 --config 之前
	var positional []string
	for len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		positional, rest = append(positional, rest[0]), rest[1:]
	}
	_ = fs.Parse(rest)
	positional = append(positional, fs.Args()...)

	cli, closeFn, err := newMigrationCLI(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = cli.Run(ctx, subcommand, positional)
	cancel()
	closeFn()

	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", subcommand, err)
		if errors.Is(err, migration.ErrUnknownCommand) {
			printMigrateUsage(cli)
		}
		os.Exit(1)
	}
}

// newMigrationCLI 复用存储层的数据库连接创建迁移器
func newMigrationCLI(configPath string) (*migration.CLI, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := initLogger(cfg.Log, zapLevel(cfg.Log.Level))
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, _ := db.DB()

	migrator, err := migration.NewMigratorFromGorm(db, cfg.Database)
	if err != nil {
		if sqlDB != nil {
			sqlDB.Close()
		}
		if errors.Is(err, migration.ErrUnsupported) {
			return nil, nil, fmt.Errorf("%w; sqlite schemas are created by store.auto_migrate", err)
		}
		return nil, nil, err
	}

	closeFn := func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("close migrator", zap.Error(err))
		}
		if sqlDB != nil {
			sqlDB.Close()
		}
		_ = logger.Sync()
	}
	return migration.NewCLI(migrator), closeFn, nil
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(cli *migration.CLI) {
	if cli == nil {
		cli = migration.NewCLI(nil)
	}
	fmt.Println("Database Migration Commands (postgres, mysql)")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  agentjobs migrate <subcommand> [args] [--config <path>]")
	fmt.Println()
	fmt.Println("Subcommands:")
	cli.PrintUsage(os.Stdout)
	fmt.Println(`
Examples:
  agentjobs migrate up --config /etc/agentjobs/config.yaml
  agentjobs migrate status
  agentjobs migrate force 1`)
}
