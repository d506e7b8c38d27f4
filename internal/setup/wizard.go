package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/njoerd114/leafsync/internal/auth"
	"github.com/njoerd114/leafsync/internal/config"
	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
)

// maxLoginAttempts bounds how often the wizard asks for credentials.
const maxLoginAttempts = 3

// LoginFunc exchanges credentials for tokens at the service at apiURL. The
// same shape serves account registration.
type LoginFunc func(ctx context.Context, apiURL, email, password string) (remote.Tokens, error)

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt   *Prompter
	login    LoginFunc
	register LoginFunc
	logger   *slog.Logger
	w        io.Writer
}

// NewWizard creates a Wizard wired to the given I/O, login and registration
// calls and logger.
func NewWizard(r io.Reader, w io.Writer, login, register LoginFunc, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:   NewPrompter(r, w),
		login:    login,
		register: register,
		logger:   logger,
		w:        w,
	}
}

// Run walks the user through the service URL, sign-in and sync settings and
// writes the result to cfgPath. It returns the written config, or nil when
// the user keeps an existing one.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) (*config.Config, error) {
	fmt.Fprintf(wiz.w, "\nWelcome to leafsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard signs you in to GreenLeaf and configures background sync.\n\n")

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil, nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: service.
	fmt.Fprintf(wiz.w, "Step 1/3: GreenLeaf Service\n")
	apiURL := wiz.askURL()
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: sign in.
	fmt.Fprintf(wiz.w, "Step 2/3: Sign In\n")
	cfg := &config.Config{APIURL: apiURL}
	signIn := wiz.signIn
	if !wiz.prompt.Confirm("Do you already have a GreenLeaf account?", true) {
		signIn = wiz.signUp
	}
	if err := signIn(ctx, cfg); err != nil {
		return nil, err
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: sync settings.
	fmt.Fprintf(wiz.w, "Step 3/3: Background Sync\n")
	cfg.Sync.Interval = wiz.prompt.Duration("How often to sync", 15*time.Minute, 30*time.Second, 24*time.Hour)
	entities, err := wiz.askEntities()
	if err != nil {
		return nil, err
	}
	cfg.Sync.Entities = entities
	fmt.Fprintf(wiz.w, "\n")

	if err := config.Write(cfgPath, cfg); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)
	fmt.Fprintf(wiz.w, "Setup complete! Next steps:\n")
	fmt.Fprintf(wiz.w, "  Download records:  leafsync refresh\n")
	fmt.Fprintf(wiz.w, "  Run in background: leafsync daemon\n")
	fmt.Fprintf(wiz.w, "  Check state:       leafsync status\n\n")

	return cfg, nil
}

func (wiz *Wizard) askURL() string {
	for {
		raw := wiz.prompt.String("Service URL", "http://localhost:8000")
		u, err := url.ParseRequestURI(raw)
		if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			return raw
		}
		fmt.Fprintf(wiz.w, "  (enter an http or https URL)\n")
	}
}

// signIn asks for credentials until a login succeeds and stores the tokens
// in cfg. Network failures end the wizard at once.
func (wiz *Wizard) signIn(ctx context.Context, cfg *config.Config) error {
	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		email := wiz.prompt.String("Email", "")
		password := wiz.prompt.Secret("Password")
		if password == "" {
			return fmt.Errorf("sign-in aborted: no password given")
		}
		if err := auth.ValidateCredentials(email, password); err != nil {
			fmt.Fprintf(wiz.w, "  ✗ %v\n", err)
			continue
		}

		fmt.Fprintf(wiz.w, "  Signing in...")
		tokens, err := wiz.login(ctx, cfg.APIURL, email, password)
		switch {
		case err == nil:
			fmt.Fprintf(wiz.w, " ✓\n")
			wiz.store(cfg, tokens, email, password)
			return nil
		case errors.Is(err, remote.ErrUnauthorized), errors.Is(err, remote.ErrValidation):
			fmt.Fprintf(wiz.w, " ✗\n  Invalid email or password.\n")
			wiz.logger.Debug("login rejected", "error", err)
		default:
			fmt.Fprintf(wiz.w, " ✗\n")
			return fmt.Errorf("cannot reach GreenLeaf at %s: %w\n\n  Check the URL, then try again", cfg.APIURL, err)
		}
	}
	return fmt.Errorf("sign-in failed after %d attempts", maxLoginAttempts)
}

// signUp registers a new account and stores its tokens in cfg. Rejected input
// is reported with the server's message and asked again.
func (wiz *Wizard) signUp(ctx context.Context, cfg *config.Config) error {
	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		email := wiz.prompt.String("Email", "")
		password := wiz.prompt.Secret("Password")
		if password == "" {
			return fmt.Errorf("registration aborted: no password given")
		}
		if err := auth.ValidateCredentials(email, password); err != nil {
			fmt.Fprintf(wiz.w, "  ✗ %v\n", err)
			continue
		}
		if wiz.prompt.Secret("Confirm password") != password {
			fmt.Fprintf(wiz.w, "  ✗ Passwords do not match.\n")
			continue
		}

		fmt.Fprintf(wiz.w, "  Creating account...")
		tokens, err := wiz.register(ctx, cfg.APIURL, email, password)
		var f *remote.Failure
		switch {
		case err == nil:
			fmt.Fprintf(wiz.w, " ✓\n")
			wiz.store(cfg, tokens, email, password)
			return nil
		case errors.Is(err, remote.ErrValidation) && errors.As(err, &f):
			fmt.Fprintf(wiz.w, " ✗\n  %s\n", f.Message)
		default:
			fmt.Fprintf(wiz.w, " ✗\n")
			return fmt.Errorf("registering at %s: %w", cfg.APIURL, err)
		}
	}
	return fmt.Errorf("registration failed after %d attempts", maxLoginAttempts)
}

func (wiz *Wizard) store(cfg *config.Config, tokens remote.Tokens, email, password string) {
	cfg.APIToken = tokens.Access
	cfg.RefreshToken = tokens.Refresh
	cfg.Email = email
	if wiz.prompt.Confirm("Store password for automatic sign-in?", false) {
		cfg.Password = password
	}
}

// askEntities returns the selected kinds, or nil when every kind is chosen.
func (wiz *Wizard) askEntities() ([]string, error) {
	labels := map[model.Kind]string{
		model.KindPlant:       "plants",
		model.KindObservation: "observations",
		model.KindUserProfile: "profile",
	}
	options := make([]string, len(model.Kinds))
	for i, k := range model.Kinds {
		options[i] = labels[k]
	}

	idx, err := wiz.prompt.MultiSelect("Records to sync", options)
	if err != nil {
		return nil, fmt.Errorf("selecting records to sync: %w", err)
	}
	if len(idx) == len(options) {
		return nil, nil
	}
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = options[n]
	}
	return out, nil
}
