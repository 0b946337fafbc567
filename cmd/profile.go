package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/novabot/novabot-cli/api"
)

func profileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or edit the signed-in user's profile",
	}

	cmd.AddCommand(
		profileShowCmd(a),
		profileUpdateCmd(a),
		profileSetLocalCmd(a),
	)
	return cmd
}

func profileShowCmd(a *app) *cobra.Command {
	var force, asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			profile, err := c.SyncProfile(cmd.Context(), force)
			if err != nil {
				return err
			}
			return printProfile(cmd, profile, asJSON)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Fetch from the backend even when the cached profile is fresh")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw profile as JSON")
	return cmd
}

func profileUpdateCmd(a *app) *cobra.Command {
	var displayName, bio, avatar string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Save profile changes on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in api.ProfileUpdate
			if cmd.Flags().Changed("display-name") {
				in.DisplayName = &displayName
			}
			if cmd.Flags().Changed("bio") {
				in.Bio = &bio
			}
			if cmd.Flags().Changed("avatar") {
				in.Avatar = &avatar
			}
			if in.DisplayName == nil && in.Bio == nil && in.Avatar == nil {
				return errors.New("nothing to update, set --display-name, --bio or --avatar")
			}

			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			profile, err := c.UpdateProfile(cmd.Context(), in)
			if err != nil {
				return err
			}
			cmd.Println("Profile updated.")
			return printProfile(cmd, profile, false)
		},
	}

	cmd.Flags().StringVar(&displayName, "display-name", "", "New display name")
	cmd.Flags().StringVar(&bio, "bio", "", "New bio")
	cmd.Flags().StringVar(&avatar, "avatar", "", "New avatar URL")
	return cmd
}

// profileSetLocalCmd patches the saved profile without contacting the
// backend, e.g. to fix a display name while offline.
func profileSetLocalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-local key=value...",
		Short: "Change fields of the saved profile without contacting the backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args)
			if err != nil {
				return err
			}

			c, err := a.connect(nil)
			if err != nil {
				return err
			}
			if err := c.Resume(); err != nil {
				if errors.Is(err, api.ErrNoToken) {
					return errors.New("not signed in, run 'novabot login' first")
				}
				return err
			}

			profile := c.UpdateLocalUser(patch)
			return printProfile(cmd, profile, false)
		},
	}
}

// parseAssignments turns ["k=v", ...] into a profile patch.
func parseAssignments(args []string) (api.Profile, error) {
	patch := make(api.Profile, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want key=value", arg)
		}
		patch[key] = value
	}
	return patch, nil
}

func printProfile(cmd *cobra.Command, profile api.Profile, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(profile)
	}

	keys := make([]string, 0, len(profile))
	for k := range profile {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %v\n", k, profile[k])
	}
	return nil
}
