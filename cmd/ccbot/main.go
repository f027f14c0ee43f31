// Command ccbot is the Telegram<->terminal-agent bridge's entry point:
// serve runs the bot, hook is invoked by the agent CLI's own hook
// mechanism, and doctor/upgrade/version round out the operator surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beastoin/ccbot/internal/app"
	"github.com/beastoin/ccbot/internal/config"
	"github.com/beastoin/ccbot/internal/hookwriter"
	"github.com/beastoin/ccbot/internal/logging"
)

// version is overridden at release build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ccbot",
		Short: "Telegram bridge for Claude Code, Codex, and Gemini CLI agents",
	}
	root.AddCommand(newServeCmd(), newHookCmd(), newDoctorCmd(), newUpgradeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ccbot version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ccbot %s\n", version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Telegram bridge (long-polling until interrupted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := logging.Default()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received")
				cancel()
			}()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			return a.Run(ctx)
		},
	}
}

func newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Record one Claude Code hook event (reads JSON payload on stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := logging.Default()
			w := hookwriter.New(hookwriter.Paths{
				SessionMapFile: cfg.SessionMapFile,
				SessionMapLock: cfg.SessionMapLock,
				EventsFile:     cfg.EventsFile,
				ClaudeSettings: claudeSettingsPath(),
			}, log)
			return w.Process(cmd.InOrStdin(), os.Getenv)
		},
	}
	cmd.AddCommand(newHookInstallCmd(), newHookUninstallCmd(), newHookStatusCmd())
	return cmd
}

func newHookInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install ccbot's hook entries into ~/.claude/settings.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			installed, already, err := hookwriter.Install(claudeSettingsPath())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %d hook(s), %d already present\n", installed, already)
			return nil
		},
	}
}

func newHookUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove ccbot's hook entries from ~/.claude/settings.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := hookwriter.Uninstall(claudeSettingsPath()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "hooks removed")
			return nil
		},
	}
}

func newHookStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report which hook events are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, ok, err := hookwriter.Status(claudeSettingsPath())
			if err != nil {
				return err
			}
			if status == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no settings.json found; hooks not installed")
				return nil
			}
			for event, installed := range status {
				mark := "missing"
				if installed {
					mark = "installed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %s\n", event, mark)
			}
			if !ok {
				return fmt.Errorf("one or more hooks are missing; run 'ccbot hook install'")
			}
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that tmux and claude are on PATH and that hooks are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok := true
			for _, bin := range []string{"tmux", "claude"} {
				if _, err := exec.LookPath(bin); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  [MISSING] %s not found on PATH\n", bin)
					ok = false
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  [OK] %s\n", bin)
			}
			_, hookOK, err := hookwriter.Status(claudeSettingsPath())
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  [WARN] could not read settings.json: %v\n", err)
			} else if !hookOK {
				fmt.Fprintln(cmd.OutOrStdout(), "  [WARN] hooks not fully installed; run 'ccbot hook install'")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "  [OK] hooks installed")
			}
			if !ok {
				return fmt.Errorf("required binaries missing")
			}
			return nil
		},
	}
}

func newUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade ccbot to the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("upgrade is not implemented; reinstall via your package manager")
		},
	}
}

func claudeSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude", "settings.json")
}
