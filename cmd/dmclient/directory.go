package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/omochice/dmsync/pkg/protocol"
)

func newWhoamiCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the user the credential belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.apiClient(cmd)
			if err != nil {
				return err
			}
			me, err := client.Me(cmd.Context())
			if err != nil {
				return err
			}
			printIdentity(cmd.OutOrStdout(), me)
			return nil
		},
	}
}

func newRecentCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recent",
		Short: "List conversation partners, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.apiClient(cmd)
			if err != nil {
				return err
			}
			partners, err := client.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			if len(partners) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conversations yet")
			}
			for _, p := range partners {
				printIdentity(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newSearchCommand(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search users by name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.apiClient(cmd)
			if err != nil {
				return err
			}
			users, err := client.SearchUsers(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			for _, u := range users {
				printIdentity(cmd.OutOrStdout(), u)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of results")
	return cmd
}

func newUnreadCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unread",
		Short: "Show the number of unread messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.apiClient(cmd)
			if err != nil {
				return err
			}
			n, err := client.UnreadCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func printIdentity(w io.Writer, u protocol.Identity) {
	fmt.Fprintf(w, "%d\t%s\t%s\n", u.ID, u.Username, u.DisplayName())
}
