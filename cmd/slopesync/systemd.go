package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/slopeside/slopeside/internal/config"
)

const systemdUnitTemplate = `[Unit]
Description=Slopeside offline sync daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecPath}} --config {{.ConfigPath}} run
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier=slopesync

NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ReadWritePaths={{.DataDir}}

[Install]
WantedBy={{.WantedBy}}
`

const unitName = "slopesync.service"

type systemdConfig struct {
	WorkDir    string
	ExecPath   string
	ConfigPath string
	DataDir    string
	WantedBy   string
}

// runServiceCommand manages the service definition of the daemon: a launchd
// agent on macOS, a systemd unit elsewhere.
func runServiceCommand(args []string, configPath string, out io.Writer) error {
	return serviceCommand(runtime.GOOS, args, configPath, out)
}

func serviceCommand(goos string, args []string, configPath string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("service command required: install, uninstall or unit")
	}

	if goos == "darwin" {
		switch args[0] {
		case "install":
			return installLaunchd(configPath, out)
		case "uninstall":
			return uninstallLaunchd(out)
		case "unit":
			cfg, err := newLaunchdConfig(configPath)
			if err != nil {
				return err
			}
			plist, err := renderPlist(cfg)
			if err != nil {
				return err
			}
			_, err = io.WriteString(out, plist)
			return err
		default:
			return fmt.Errorf("unknown service command: %s", args[0])
		}
	}

	switch args[0] {
	case "install":
		return installSystemd(configPath, out)
	case "uninstall":
		return uninstallSystemd(out)
	case "unit":
		cfg, err := newSystemdConfig(configPath, os.Geteuid() == 0)
		if err != nil {
			return err
		}
		unit, err := renderUnit(cfg)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, unit)
		return err
	default:
		return fmt.Errorf("unknown service command: %s", args[0])
	}
}

func newSystemdConfig(configPath string, system bool) (systemdConfig, error) {
	execPath, err := os.Executable()
	if err != nil {
		return systemdConfig{}, fmt.Errorf("get executable path: %w", err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return systemdConfig{}, fmt.Errorf("get working directory: %w", err)
	}
	configPath, err = filepath.Abs(configPath)
	if err != nil {
		return systemdConfig{}, fmt.Errorf("resolve config path: %w", err)
	}

	dataDir := filepath.Join(workDir, "data")
	if cfg, err := config.Load(configPath); err == nil {
		if abs, err := filepath.Abs(cfg.Server.DataDir); err == nil {
			dataDir = abs
		}
	}

	wantedBy := "default.target"
	if system {
		wantedBy = "multi-user.target"
	}
	return systemdConfig{
		WorkDir:    workDir,
		ExecPath:   execPath,
		ConfigPath: configPath,
		DataDir:    dataDir,
		WantedBy:   wantedBy,
	}, nil
}

func renderUnit(cfg systemdConfig) (string, error) {
	tmpl, err := template.New("systemd").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("render unit file: %w", err)
	}
	return buf.String(), nil
}

func unitPath(system bool) (string, error) {
	if system {
		return filepath.Join("/etc/systemd/system", unitName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user", unitName), nil
}

func systemctl(system bool, args ...string) *exec.Cmd {
	if !system {
		args = append([]string{"--user"}, args...)
	}
	return exec.Command("systemctl", args...)
}

func installSystemd(configPath string, out io.Writer) error {
	system := os.Geteuid() == 0

	cfg, err := newSystemdConfig(configPath, system)
	if err != nil {
		return err
	}
	unit, err := renderUnit(cfg)
	if err != nil {
		return err
	}
	path, err := unitPath(system)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Fprintf(out, "✅ Systemd unit installed: %s\n", path)

	if err := systemctl(system, "daemon-reload").Run(); err != nil {
		fmt.Fprintf(out, "⚠️  Warning: systemctl daemon-reload failed: %v\n", err)
	}

	prefix := "systemctl --user"
	if system {
		prefix = "sudo systemctl"
	}
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "   %s enable --now slopesync\n", prefix)
	fmt.Fprintf(out, "   %s status slopesync\n", prefix)
	return nil
}

func uninstallSystemd(out io.Writer) error {
	system := os.Geteuid() == 0
	path, err := unitPath(system)
	if err != nil {
		return err
	}

	// Errors are expected when the unit was never enabled.
	_ = systemctl(system, "disable", "--now", "slopesync").Run()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	_ = systemctl(system, "daemon-reload").Run()

	fmt.Fprintln(out, "✅ Systemd service uninstalled")
	return nil
}
