package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/novabot/novabot-cli/api"
	"github.com/novabot/novabot-cli/config"
	"github.com/novabot/novabot-cli/store"
	"github.com/novabot/novabot-cli/tui"
)

// app carries the state shared by every command: resolved configuration,
// the opened session store and, once a command asks for it, the API client.
type app struct {
	flags config.Flags

	cfg    *config.Config
	store  store.Store
	client *api.Client
}

// Execute runs the novabot command line and exits non-zero on failure.
func Execute() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := createRootCmd(a).ExecuteContext(ctx)
	if closeErr := a.teardown(); err == nil {
		err = closeErr
	}
	if err != nil {
		log.Error().Err(err).Msg("Command execution failed.")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func createRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "novabot",
		Short: "Terminal client for the NovaBot assistant",
		Long: "Sign in to a NovaBot backend, chat with the assistant, and manage " +
			"generated documents. Without a subcommand the saved session is restored " +
			"and its status shown.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.status(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.flags.APIBase, "api-base", "", "Backend base URL (default: http://localhost:8000 or NOVABOT_API_BASE env)")
	pf.StringVar(&a.flags.APIVersion, "api-version", "", "API path prefix (default: /api or NOVABOT_API_VERSION env)")
	pf.StringVar(&a.flags.Store, "store", "", "Session store backend: file or sqlite (NOVABOT_STORE env)")
	pf.StringVar(&a.flags.StorePath, "store-path", "", "Session store location (NOVABOT_STORE_PATH env)")
	pf.StringVar(&a.flags.RateLimit, "rate-limit", "", "Maximum requests per second, 0 for no limit (NOVABOT_RATE_LIMIT env)")
	pf.StringVar(&a.flags.Provider, "provider", "", "AI provider for chat (default: gemini or NOVABOT_AI_PROVIDER env)")
	pf.StringVar(&a.flags.Model, "model", "", "AI model for chat (NOVABOT_AI_MODEL env)")
	pf.StringVar(&a.flags.Temperature, "temperature", "", "Sampling temperature 0-2 (default: 0.7 or NOVABOT_AI_TEMPERATURE env)")
	pf.StringVar(&a.flags.ConfigFile, "config", "", "TOML config file (default: ~/.novabot/config.toml or NOVABOT_CONFIG env)")

	rootCmd.AddCommand(
		loginCmd(a),
		loginFirebaseCmd(a),
		registerCmd(a),
		logoutCmd(a),
		profileCmd(a),
		chatCmd(a),
		historyCmd(a),
		docsCmd(a),
		healthCmd(a),
	)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	return rootCmd
}

// setup resolves the configuration and opens the session store.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.flags)
	if err != nil {
		return err
	}
	a.cfg = cfg
	cfg.WarnInsecure(cmd.ErrOrStderr())

	// Sessions for different API roots never see each other's tokens.
	s, err := store.Open(cfg.StoreBackend, cfg.StorePath, cfg.APIRoot())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	a.store = s

	log.Debug().
		Str("api", cfg.APIRoot()).
		Str("store", cfg.StoreBackend).
		Str("path", cfg.StorePath).
		Msg("configuration loaded")
	return nil
}

// connect builds the API client. Refresh events go to events.
func (a *app) connect(events api.Observer) (*api.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := api.New(a.cfg.APIRoot(),
		api.WithStore(a.store),
		api.WithRateLimit(a.cfg.RateLimit, 1),
		api.WithObserver(events),
	)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

// session connects and restores the saved session, failing when the user
// is not signed in.
func (a *app) session(cmd *cobra.Command) (*api.Client, error) {
	c, err := a.connect(tui.NewPlainDisplayer(cmd.ErrOrStderr()))
	if err != nil {
		return nil, err
	}
	if _, err := c.Restore(cmd.Context()); err != nil {
		switch {
		case errors.Is(err, api.ErrNoToken):
			return nil, errors.New("not signed in, run 'novabot login' first")
		case errors.Is(err, api.ErrUnauthorized):
			return nil, errors.New("session expired, run 'novabot login' to sign in again")
		}
		if c.Tokens().Access == "" {
			return nil, err
		}
		// The session stays usable when only the profile is unavailable.
		log.Warn().Err(err).Msg("profile unavailable after restore")
	}
	return c, nil
}

func (a *app) teardown() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
		a.client = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

// chatOptions converts the AI configuration into request options.
func (a *app) chatOptions() api.ChatOptions {
	temperature := a.cfg.AI.Temperature
	return api.ChatOptions{
		Provider:    a.cfg.AI.Provider,
		Model:       a.cfg.AI.Model,
		Temperature: &temperature,
	}
}

// isTTY reports whether f is a character device (interactive terminal).
func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// errFile unwraps w when it is a real file such as os.Stderr.
func errFile(w io.Writer) (*os.File, bool) {
	f, ok := w.(*os.File)
	return f, ok
}
