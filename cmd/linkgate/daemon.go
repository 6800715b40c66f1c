package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const unitName = "linkgate.service"

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install linkgate as a systemd user service",
		Long:  "Writes a systemd unit that runs 'linkgate serve' with the current config and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtime.GOOS != "linux" {
				return fmt.Errorf("unsupported OS: %s (systemd only)", runtime.GOOS)
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}

			unitPath, err := unitFilePath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(unitPath, []byte(renderUnit(execPath, cfgPath)), 0o644); err != nil {
				return err
			}

			fmt.Printf("Service installed: %s\n", unitPath)
			fmt.Printf("To start:  systemctl --user start linkgate\n")
			fmt.Printf("To enable: systemctl --user enable linkgate\n")
			fmt.Printf("To stop:   systemctl --user stop linkgate\n")
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the linkgate systemd user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			unitPath, err := unitFilePath()
			if err != nil {
				return err
			}
			if err := os.Remove(unitPath); err != nil {
				return fmt.Errorf("remove unit: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", unitPath)
			return nil
		},
	}
}

func unitFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", unitName), nil
}

func renderUnit(execPath, cfgPath string) string {
	return strings.NewReplacer("{{EXEC}}", execPath, "{{CONFIG}}", cfgPath).Replace(systemdTemplate)
}

// KillSignal matches the signals serve shuts down on; TimeoutStopSec leaves
// room for the in-process shutdown deadline.
const systemdTemplate = `[Unit]
Description=linkgate messaging gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=20

[Install]
WantedBy=default.target
`
