// Package wizard provides an interactive setup wizard for tuicd.
package wizard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/tuicd/internal/config"
	"github.com/postalsys/tuicd/internal/userid"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{theme: huh.ThemeDracula()}
}

// Run executes the interactive setup wizard, producing a Config ready to be
// written to disk.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	server, err := w.askListenAddress()
	if err != nil {
		return nil, err
	}

	users, err := w.askUsers()
	if err != nil {
		return nil, err
	}

	tlsConfig, err := w.askTLS()
	if err != nil {
		return nil, err
	}

	admin, err := w.askAdmin()
	if err != nil {
		return nil, err
	}

	logLevel, err := w.askLogLevel()
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Server = server
	cfg.Users = users
	cfg.TLS = tlsConfig
	cfg.Admin = admin
	cfg.Log.Level = logLevel

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _____ _   _ ___ ____
 |_   _| | | |_ _/ ___|  __| |
   | | | | | || | |     / _' |
   | | | |_| || | |___ | (_| |
   |_|  \___/|___\____(_)__,_|
`)
	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  TUIC proxy server - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (string, error) {
	configPath := "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where to write the generated configuration file."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have a .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err := form.Run()
	return configPath, err
}

func (w *Wizard) askListenAddress() (string, error) {
	addr := "[::]:443"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen Address").
				Description("The socket address the QUIC listener binds to").
				Placeholder("[::]:443").
				Value(&addr).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("listen address is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err := form.Run()
	return addr, err
}

func (w *Wizard) askUsers() (map[string]string, error) {
	users := make(map[string]string)

	var userCount string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Users").
				Description("How many users should be added to the initial configuration?"),
			huh.NewInput().
				Title("Number of users").
				Placeholder("1").
				Value(&userCount).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					for _, r := range s {
						if r < '0' || r > '9' {
							return fmt.Errorf("must be a number")
						}
					}
					return nil
				}),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return nil, err
	}

	count := 1
	fmt.Sscanf(userCount, "%d", &count)
	if count < 1 {
		count = 1
	}

	for i := 0; i < count; i++ {
		id, err := userid.New()
		if err != nil {
			return nil, fmt.Errorf("generate user uuid: %w", err)
		}

		password := ""
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewNote().
					Title(fmt.Sprintf("User %d of %d", i+1, count)).
					Description("UUID: " + id.String()),
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&password).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("password is required")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)
		if err := form.Run(); err != nil {
			return nil, err
		}
		users[id.String()] = password
	}

	return users, nil
}

func (w *Wizard) askTLS() (config.TLSConfig, error) {
	var mode string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Certificate").
				Description("TUIC requires TLS 1.3. Choose how to provision it."),

			huh.NewSelect[string]().
				Title("Certificate source").
				Options(
					huh.NewOption("Generate a self-signed certificate at startup", "self_sign"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&mode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	if mode == "self_sign" {
		return config.TLSConfig{SelfSign: true, SelfSignCN: "tuicd"}, nil
	}

	var cert, key string
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Certificate path").Placeholder("./cert.pem").Value(&cert),
			huh.NewInput().Title("Private key path").Placeholder("./key.pem").Value(&key),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	return config.TLSConfig{Cert: cert, Key: key}, nil
}

func (w *Wizard) askAdmin() (config.AdminConfig, error) {
	enabled := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the administration endpoint?").
				Description("Bearer-token HTTP API for online/kick/traffic").
				Value(&enabled),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return config.AdminConfig{}, err
	}

	if !enabled {
		return config.AdminConfig{Enabled: false}, nil
	}

	addr := "127.0.0.1:9443"
	token := ""
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Admin listen address").Value(&addr),
			huh.NewInput().Title("Bearer token").EchoMode(huh.EchoModePassword).Value(&token).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("token is required when the admin endpoint is enabled")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return config.AdminConfig{}, err
	}

	return config.AdminConfig{Enabled: true, Address: addr, Token: token}, nil
}

func (w *Wizard) askLogLevel() (string, error) {
	level := "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("info", "info"),
					huh.NewOption("debug", "debug"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&level),
		),
	).WithTheme(w.theme)

	err := form.Run()
	return level, err
}

// selfSignValidity is the one-year validity period of a self-signed
// certificate. The wizard itself only sets tls.self_sign; the certificate is
// generated at server startup by cmd/tuicd's buildTLSConfig, which passes
// the same 365-day period to tlsutil.GenerateSelfSigned.
const selfSignValidity = 365 * 24 * time.Hour
