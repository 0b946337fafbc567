package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/novabot/novabot-cli/api"
	"github.com/novabot/novabot-cli/tui"
)

// loginCmd signs in with a username and password.
func loginCmd(a *app) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with username and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd)
			name, err := p.orPrompt(username, "Username: ")
			if err != nil {
				return err
			}
			password, err := p.secret("Password: ")
			if err != nil {
				return err
			}
			if name == "" || password == "" {
				return errors.New("username and password cannot be empty")
			}

			c, err := a.connect(tui.NewPlainDisplayer(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			if _, err := c.Login(cmd.Context(), name, password); err != nil {
				return err
			}
			printSignedIn(cmd, c.CachedProfile(), name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Account username (prompted when omitted)")
	return cmd
}

// loginFirebaseCmd signs in with a Firebase ID token.
func loginFirebaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login-firebase [id-token]",
		Short: "Sign in with a Firebase ID token",
		Long: "Exchange a Firebase ID token for a NovaBot session. The token is read " +
			"from the argument, the NOVABOT_FIREBASE_ID_TOKEN environment variable, " +
			"or a prompt.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idToken := os.Getenv("NOVABOT_FIREBASE_ID_TOKEN")
			if len(args) == 1 {
				idToken = args[0]
			}
			if idToken == "" {
				var err error
				if idToken, err = newPrompter(cmd).secret("Firebase ID token: "); err != nil {
					return err
				}
			}
			if idToken == "" {
				return errors.New("firebase ID token cannot be empty")
			}

			c, err := a.connect(tui.NewPlainDisplayer(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			pair, err := c.LoginWithFirebase(cmd.Context(), idToken)
			if err != nil {
				return err
			}
			printSignedIn(cmd, c.CachedProfile(), "")
			if pair.Refresh == "" {
				cmd.PrintErrln("Note: no refresh token was issued; sign in again when the session expires.")
			}
			return nil
		},
	}
}

// registerCmd creates an account. It does not sign in.
func registerCmd(a *app) *cobra.Command {
	var in api.RegisterRequest

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a NovaBot account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd)
			var err error
			if in.Username, err = p.orPrompt(in.Username, "Username: "); err != nil {
				return err
			}
			if in.Email, err = p.orPrompt(in.Email, "Email: "); err != nil {
				return err
			}
			if in.Password, err = p.secret("Password: "); err != nil {
				return err
			}
			if in.Password2, err = p.secret("Confirm password: "); err != nil {
				return err
			}

			c, err := a.connect(tui.NewPlainDisplayer(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			if _, err := c.Register(cmd.Context(), in); err != nil {
				var verr *api.ValidationError
				if errors.As(err, &verr) {
					cmd.PrintErrln("Registration was rejected:")
					for _, line := range verr.Lines() {
						cmd.PrintErrln("  " + line)
					}
				}
				return err
			}

			cmd.Printf("Account %s created. Run 'novabot login' to sign in.\n", in.Username)
			return nil
		},
	}

	cmd.Flags().StringVarP(&in.Username, "username", "u", "", "Account username (prompted when omitted)")
	cmd.Flags().StringVarP(&in.Email, "email", "e", "", "Email address (prompted when omitted)")
	cmd.Flags().StringVar(&in.DisplayName, "display-name", "", "Name shown to the assistant")
	return cmd
}

// logoutCmd clears the saved session.
func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(tui.NewPlainDisplayer(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Signed out.")
			return nil
		},
	}
}

func printSignedIn(cmd *cobra.Command, profile api.Profile, fallback string) {
	name := profile.DisplayName()
	if name == "" {
		name = profile.Username()
	}
	if name == "" {
		name = fallback
	}
	if name == "" {
		cmd.Println("Signed in.")
		return
	}
	cmd.Printf("Signed in as %s.\n", name)
}
