package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// ErrUnknownCommand 未知的迁移子命令
var ErrUnknownCommand = errors.New("unknown migrate subcommand")

// Command 一个迁移子命令
type Command struct {
	Name  string
	Args  string
	Help  string
	nargs int
	run   func(ctx context.Context, args []string) error
}

// CLI 为 agentjobs migrate 子命令提供分派与格式化输出
type CLI struct {
	migrator Migrator
	output   io.Writer
	commands []Command
}

// NewCLI 创建 CLI，输出默认写到 stdout
func NewCLI(migrator Migrator) *CLI {
	c := &CLI{migrator: migrator, output: os.Stdout}
	c.commands = []Command{
		{Name: "up", Help: "Apply all pending migrations", run: c.up},
		{Name: "down", Help: "Roll back the last migration", run: c.down},
		{Name: "status", Help: "List migrations and whether they are applied", run: c.status},
		{Name: "info", Help: "Show applied / pending counts", run: c.info},
		{Name: "version", Help: "Show the current schema version", run: c.version},
		{Name: "force", Args: "<version>", Help: "Set the version without running migrations (clears a dirty state)", nargs: 1, run: c.force},
	}
	return c
}

// SetOutput 设置输出
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// Commands 返回支持的子命令
func (c *CLI) Commands() []Command {
	return c.commands
}

// Run 执行子命令，args 为子命令之后的位置参数
func (c *CLI) Run(ctx context.Context, name string, args []string) error {
	for _, cmd := range c.commands {
		if cmd.Name != name {
			continue
		}
		if len(args) < cmd.nargs {
			return fmt.Errorf("usage: migrate %s %s", cmd.Name, cmd.Args)
		}
		return cmd.run(ctx, args)
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

// PrintUsage 输出子命令列表
func (c *CLI) PrintUsage(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, cmd := range c.commands {
		fmt.Fprintf(tw, "  %s %s\t%s\n", cmd.Name, cmd.Args, cmd.Help)
	}
	tw.Flush()
}

func (c *CLI) up(ctx context.Context, _ []string) error {
	before, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	if before.Dirty {
		return fmt.Errorf("schema version %d is dirty; fix it and run 'migrate force %d' first",
			before.CurrentVersion, before.CurrentVersion)
	}
	if before.PendingMigrations == 0 {
		fmt.Fprintf(c.output, "Record store schema is up to date (version %d).\n", before.CurrentVersion)
		return nil
	}

	fmt.Fprintf(c.output, "Applying %d record store migration(s)...\n", before.PendingMigrations)
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.report(ctx, "Migrated")
}

func (c *CLI) down(ctx context.Context, _ []string) error {
	fmt.Fprintln(c.output, "Rolling back the last record store migration...")
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return c.report(ctx, "Rolled back")
}

func (c *CLI) force(ctx context.Context, args []string) error {
	v, err := strconv.Atoi(args[0])
	if err != nil || v < 0 {
		return fmt.Errorf("invalid version %q", args[0])
	}
	if err := c.migrator.Force(ctx, v); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.output, "Schema version set to %d.\n", v)
	return nil
}

func (c *CLI) version(ctx context.Context, _ []string) error {
	v, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	switch {
	case v == 0:
		fmt.Fprintln(c.output, "No migrations applied yet.")
	case dirty:
		fmt.Fprintf(c.output, "Current version: %d (dirty)\n", v)
	default:
		fmt.Fprintf(c.output, "Current version: %d\n", v)
	}
	return nil
}

func (c *CLI) status(ctx context.Context, _ []string) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	tw := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	tw.Flush()

	return c.info(ctx, nil)
}

func (c *CLI) info(ctx context.Context, _ []string) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	fmt.Fprintf(c.output, "version=%d dirty=%t total=%d applied=%d pending=%d\n",
		info.CurrentVersion, info.Dirty, info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

func (c *CLI) report(ctx context.Context, verb string) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "%s. Current version: %d, pending: %d\n", verb, info.CurrentVersion, info.PendingMigrations)
	return nil
}
