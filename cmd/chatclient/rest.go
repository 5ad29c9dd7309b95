package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rickgao/teamchat/internal/api"
)

var (
	flagHistoryPage  int
	flagHistoryLimit int
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the signed-in user's channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		channels, err := newAPIClient(cfg, logger).ListChannels(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tMEMBERS\tDESCRIPTION")
		for _, ch := range channels {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ch.ID, ch.Name, ch.MemberCount, ch.Description)
		}
		return tw.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <channel-id>",
	Short: "Print one page of a channel's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		msgs, err := newAPIClient(cfg, logger).ChannelMessages(cmd.Context(), args[0], flagHistoryPage, flagHistoryLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, m := range msgs {
			edited := ""
			if m.IsEdited {
				edited = " (edited)"
			}
			fmt.Fprintf(out, "[%s] %s: %s%s\n", m.CreatedAt, m.User.Username, m.Content, edited)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&flagHistoryPage, "page", 1, "page number, starting at 1")
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", api.DefaultMessageLimit, "messages per page")
}
