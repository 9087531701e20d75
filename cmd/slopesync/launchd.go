package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>

	<key>ProgramArguments</key>
	<array>
		<string>{{.ExecPath}}</string>
		<string>--config</string>
		<string>{{.ConfigPath}}</string>
		<string>run</string>
	</array>

	<key>WorkingDirectory</key>
	<string>{{.WorkDir}}</string>

	<key>RunAtLoad</key>
	<true/>

	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
		<key>Crashed</key>
		<true/>
	</dict>

	<key>StandardOutPath</key>
	<string>{{.LogDir}}/slopesync.log</string>

	<key>StandardErrorPath</key>
	<string>{{.LogDir}}/slopesync.error.log</string>

	<key>ProcessType</key>
	<string>Background</string>

	<key>ThrottleInterval</key>
	<integer>5</integer>
</dict>
</plist>
`

const launchdLabel = "com.slopeside.slopesync"

type launchdConfig struct {
	Label      string
	ExecPath   string
	ConfigPath string
	WorkDir    string
	LogDir     string
}

func newLaunchdConfig(configPath string) (launchdConfig, error) {
	execPath, err := os.Executable()
	if err != nil {
		return launchdConfig{}, fmt.Errorf("get executable path: %w", err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return launchdConfig{}, fmt.Errorf("get working directory: %w", err)
	}
	configPath, err = filepath.Abs(configPath)
	if err != nil {
		return launchdConfig{}, fmt.Errorf("resolve config path: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return launchdConfig{}, fmt.Errorf("find home directory: %w", err)
	}
	return launchdConfig{
		Label:      launchdLabel,
		ExecPath:   execPath,
		ConfigPath: configPath,
		WorkDir:    workDir,
		LogDir:     filepath.Join(home, "Library", "Logs", "slopesync"),
	}, nil
}

func renderPlist(cfg launchdConfig) (string, error) {
	tmpl, err := template.New("launchd").Parse(launchdPlistTemplate)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("render plist: %w", err)
	}
	return buf.String(), nil
}

func plistPath(system bool) (string, error) {
	if system {
		return filepath.Join("/Library/LaunchDaemons", launchdLabel+".plist"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
}

func installLaunchd(configPath string, out io.Writer) error {
	cfg, err := newLaunchdConfig(configPath)
	if err != nil {
		return err
	}
	plist, err := renderPlist(cfg)
	if err != nil {
		return err
	}
	path, err := plistPath(os.Geteuid() == 0)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create plist dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(plist), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	fmt.Fprintf(out, "✅ Launchd plist installed: %s\n", path)

	if err := exec.Command("launchctl", "load", path).Run(); err != nil {
		fmt.Fprintf(out, "⚠️  Warning: launchctl load failed: %v\n", err)
		fmt.Fprintf(out, "   Load it manually: launchctl load %s\n", path)
	} else {
		fmt.Fprintln(out, "✅ Service loaded and will start at login")
	}
	fmt.Fprintf(out, "\n📁 Logs: %s\n", cfg.LogDir)
	return nil
}

func uninstallLaunchd(out io.Writer) error {
	path, err := plistPath(os.Geteuid() == 0)
	if err != nil {
		return err
	}

	// Fails when the agent was never loaded.
	_ = exec.Command("launchctl", "unload", path).Run()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Fprintln(out, "✅ Launchd service uninstalled")
	return nil
}
