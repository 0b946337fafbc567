package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"

	"github.com/novabot/novabot-cli/api"
	"github.com/novabot/novabot-cli/tui"
)

// tokenPreviewLength is how much of the access token the status screen shows.
const tokenPreviewLength = 50

// status restores the saved session and shows it. The BubbleTea screen is
// used when stderr is a terminal, plain text otherwise.
func (a *app) status(cmd *cobra.Command) error {
	stderr, ok := errFile(cmd.ErrOrStderr())
	if !ok || !isTTY(stderr) {
		return a.runStatus(cmd.Context(), tui.NewPlainDisplayer(cmd.ErrOrStderr()))
	}

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries. Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	runErr := a.runStatus(cmd.Context(), tui.NewProgramDisplayer(p))
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return runErr
}

// runStatus probes the backend, restores the session and reports each step
// to d. Only configuration and client construction errors are returned;
// a missing or expired session is a normal outcome.
func (a *app) runStatus(ctx context.Context, d tui.Displayer) error {
	d.Banner(a.cfg.APIRoot())

	c, err := a.connect(d)
	if err != nil {
		d.Fatal(err)
		return err
	}

	d.CheckingHealth()
	if h, err := c.Health(ctx); err != nil {
		d.HealthFailed(err)
	} else {
		d.HealthOK(h.Status)
	}

	d.RestoringSession()
	profile, err := c.Restore(ctx)
	switch {
	case errors.Is(err, api.ErrNoToken):
		d.SessionNotFound()
		return nil
	case errors.Is(err, api.ErrUnauthorized):
		d.SessionExpired()
		return nil
	case err != nil && c.Tokens().Access == "":
		d.Fatal(err)
		return err
	case err != nil:
		d.ProfileUnavailable(err)
		profile = c.CachedProfile()
	default:
		d.SessionRestored()
	}

	d.Done(a.sessionInfo(c, profile))
	return nil
}

func (a *app) sessionInfo(c *api.Client, profile api.Profile) tui.SessionInfo {
	pair := c.Tokens()
	info := tui.SessionInfo{
		Username:     profile.Username(),
		DisplayName:  profile.DisplayName(),
		Email:        profile.Email(),
		TokenPreview: pair.Preview(tokenPreviewLength),
		HasRefresh:   pair.Refresh != "",
		Breaker:      c.BreakerState().String(),
		StorePath:    a.cfg.StorePath,
	}
	if expiry, ok := pair.AccessExpiry(); ok {
		info.Expiry = expiry
	}
	return info
}
