package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"linkgate/internal/config"
	"linkgate/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your linkgate installation",
		Long: `Verifies that the configuration, link store, session directory and
listen port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("linkgate doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'linkgate init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if cfg.Telegram.AppID == 0 || cfg.Telegram.AppHash == "" {
				r.fail("Telegram app", "telegram.appId and telegram.appHash are required")
			} else {
				r.pass("Telegram app", fmt.Sprintf("app id %d", cfg.Telegram.AppID))
			}

			if err := checkWritableDir(cfg.Telegram.SessionDir); err != nil {
				r.fail("Session directory", err.Error())
			} else {
				r.pass("Session directory", cfg.Telegram.SessionDir)
			}

			if n, err := checkStore(cmd.Context(), cfg.Store); err != nil {
				r.fail("Link store", err.Error())
			} else {
				detail := fmt.Sprintf("%s, %d linked session(s)", cfg.Store.Driver, n)
				if p := persistPath(cfg.Store); p != "" {
					detail += " at " + p
				}
				r.pass("Link store", detail)
			}
			if cfg.Store.Driver == "memory" && cfg.Sessions.PersistLinks {
				r.warn("Persistence", "persistLinks is on but the memory store forgets links on restart")
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("API port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}
			if cfg.Server.APIKey == "" {
				r.warn("API key", "not set, every caller can drive sessions")
			} else {
				r.pass("API key", "configured")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkStore opens the link store, which runs migrations, and reads it back.
func checkStore(ctx context.Context, sc config.StoreConfig) (int, error) {
	st, err := store.Open(store.Options{Driver: sc.Driver, Path: sc.Path, DSN: sc.DSN}, logger)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	records, err := st.Load(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

// persistPath is where the link store lives for the configured driver, or
// "" when it is not a file.
func persistPath(sc config.StoreConfig) string {
	if sc.Driver == "sqlite" {
		return sc.Path
	}
	return ""
}
