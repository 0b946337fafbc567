package cmd

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/novabot/novabot-cli/chatlog"
)

func historyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage saved conversations",
	}

	cmd.AddCommand(
		historyListCmd(a),
		historyShowCmd(a),
		historyDeleteCmd(a),
	)
	return cmd
}

func historyListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			convs, err := chatlog.New(a.store).List()
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				cmd.Println("No saved conversations. Use `novabot chat` to start one.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Updated", "Messages", "Preview"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoWrapText(false)
			table.SetRowLine(false)

			for _, c := range convs {
				table.Append([]string{
					c.ID,
					c.Updated.Local().Format("2006-01-02 15:04"),
					fmt.Sprintf("%d", len(c.Messages)),
					strings.ReplaceAll(c.Preview, "\n", " "),
				})
			}
			table.Render()
			return nil
		},
	}
}

func historyShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := chatlog.New(a.store).Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), chatlog.Transcript(conv))
			return nil
		},
	}
}

func historyDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := chatlog.New(a.store).Delete(args[0]); err != nil {
				return err
			}
			cmd.Println("Conversation deleted.")
			return nil
		},
	}
}
