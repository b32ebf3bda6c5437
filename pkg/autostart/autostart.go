// Package autostart registers the daemon to start at login: a LaunchAgent
// on macOS, a systemd user unit on Linux, or an XDG autostart entry where
// systemd is absent.
package autostart

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

var log *logrus.Entry

func init() {
	log = logger.WithName("autostart")
}

// ErrUnsupported is returned on platforms without a known mechanism
var ErrUnsupported = errors.New("autostart is not supported on this platform")

const label = "dev.hazelnut.hazelnutd"

// Kind is an autostart mechanism
type Kind string

const (
	KindLaunchAgent Kind = "launchd"
	KindSystemd     Kind = "systemd"
	KindXDG         Kind = "xdg"
	KindNone        Kind = "none"
)

const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Executable}}</string>
        <string>run</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <false/>
    <key>StandardOutPath</key>
    <string>{{.TempDir}}/hazelnutd.stdout.log</string>
    <key>StandardErrorPath</key>
    <string>{{.TempDir}}/hazelnutd.stderr.log</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=Hazelnut file organizer daemon
After=default.target

[Service]
Type=simple
ExecStart={{.Executable}} run
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

const desktopTemplate = `[Desktop Entry]
Type=Application
Name=Hazelnut Daemon
Comment=Hazelnut file organizer daemon
Exec={{.Executable}} run
Hidden=false
NoDisplay=true
X-GNOME-Autostart-enabled=true
`

type templateData struct {
	Label      string
	Executable string
	TempDir    string
}

// Manager installs and removes the autostart entry
type Manager struct {
	Kind       Kind
	Path       string
	Executable string
	// Run executes service-manager commands; nil skips them
	Run func(name string, args ...string) error
}

// Detect returns the manager for the current platform and user
func Detect() (*Manager, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate home directory: %w", err)
	}

	m := &Manager{Executable: exe, Run: runCommand}
	switch runtime.GOOS {
	case "darwin":
		m.Kind = KindLaunchAgent
		m.Path = filepath.Join(home, "Library", "LaunchAgents", label+".plist")
	case "linux":
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			configDir = filepath.Join(home, ".config")
		}
		if systemdAvailable() {
			m.Kind = KindSystemd
			m.Path = filepath.Join(configDir, "systemd", "user", "hazelnutd.service")
		} else {
			m.Kind = KindXDG
			m.Path = filepath.Join(configDir, "autostart", "hazelnutd.desktop")
		}
	default:
		m.Kind = KindNone
	}
	return m, nil
}

func systemdAvailable() bool {
	if _, err := os.Stat("/run/systemd/system"); err != nil {
		return false
	}
	_, err := exec.LookPath("systemctl")
	return err == nil
}

func runCommand(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, bytes.TrimSpace(out))
	}
	return nil
}

// IsEnabled reports whether the autostart entry exists
func (m *Manager) IsEnabled() bool {
	if m.Kind == KindNone {
		return false
	}
	_, err := os.Stat(m.Path)
	return err == nil
}

// Content renders the autostart entry
func (m *Manager) Content() ([]byte, error) {
	var tmplStr string
	switch m.Kind {
	case KindLaunchAgent:
		tmplStr = launchAgentTemplate
	case KindSystemd:
		tmplStr = systemdTemplate
	case KindXDG:
		tmplStr = desktopTemplate
	default:
		return nil, ErrUnsupported
	}

	tmpl, err := template.New(string(m.Kind)).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", m.Kind, err)
	}
	var buf bytes.Buffer
	data := templateData{Label: label, Executable: m.Executable, TempDir: os.TempDir()}
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s template: %w", m.Kind, err)
	}
	return buf.Bytes(), nil
}

// Enable writes the autostart entry
func (m *Manager) Enable() error {
	content, err := m.Content()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.Path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(m.Path), err)
	}
	if err := os.WriteFile(m.Path, content, 0644); err != nil {
		return fmt.Errorf("failed to write autostart entry: %w", err)
	}
	log.WithFields(logrus.Fields{"kind": m.Kind, "path": m.Path}).Info("Autostart enabled")

	if m.Kind == KindSystemd {
		m.systemctl("daemon-reload")
		m.systemctl("enable", "hazelnutd.service")
	}
	return nil
}

// Disable removes the autostart entry; it is not an error if it is absent
func (m *Manager) Disable() error {
	if m.Kind == KindNone {
		return ErrUnsupported
	}
	if m.Kind == KindSystemd {
		m.systemctl("disable", "hazelnutd.service")
	}
	if err := os.Remove(m.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove autostart entry: %w", err)
	}
	if m.Kind == KindSystemd {
		m.systemctl("daemon-reload")
	}
	log.WithFields(logrus.Fields{"kind": m.Kind, "path": m.Path}).Info("Autostart disabled")
	return nil
}

// Toggle enables a disabled entry and disables an enabled one. It returns
// the new state.
func (m *Manager) Toggle() (bool, error) {
	if m.IsEnabled() {
		return false, m.Disable()
	}
	return true, m.Enable()
}

// systemctl failures are logged; the unit file is what matters at next login
func (m *Manager) systemctl(args ...string) {
	if m.Run == nil {
		return
	}
	if err := m.Run("systemctl", append([]string{"--user"}, args...)...); err != nil {
		log.WithError(err).Warn("systemctl failed")
	}
}
