package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/evidencechain/pkg/client"
)

var watchCmd = &cobra.Command{
	Use:   "watch <evidence|case>",
	Short: "Print existing records, then follow new ones as they commit",
	Long: `watch streams the change feed. Existing records print first, then each new
record as it commits. The stream reconnects by itself if the server drops it.
Stop with Ctrl-C.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"evidence", "case"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.Watch(ctx, args[0], func(e client.FeedEvent) error {
			if outputFormat == "json" {
				return printJSON(e)
			}
			return printFeedEvent(e)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func printFeedEvent(e client.FeedEvent) error {
	switch e.Kind {
	case "case":
		rec, err := client.DecodeCase(e)
		if err != nil {
			return err
		}
		fmt.Printf("#%d case     %s  %s\n", e.Seq, rec.CaseNumber, rec.Title)
	default:
		rec, err := client.DecodeEvidence(e)
		if err != nil {
			return err
		}
		fmt.Printf("#%d evidence %s  %s  case=%s  by %s\n",
			e.Seq, rec.ContentHash, rec.Metadata.Name(), rec.Metadata.CaseNumber(), rec.SubmitterIdentity)
	}
	return nil
}
