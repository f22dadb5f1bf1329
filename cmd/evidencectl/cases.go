package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/pkg/client"
)

func init() {
	caseCmd.AddCommand(caseCreateCmd, caseListCmd, caseVerifyCmd)
	rootCmd.AddCommand(caseCmd)
}

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Create, list and verify cases",
}

var (
	caseTitle       string
	caseDescription string
)

var caseCreateCmd = &cobra.Command{
	Use:   "create <case-number>",
	Short: "Create a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		created, err := c.CreateCase(context.Background(), model.CreateCaseRequest{
			CaseNumber:  args[0],
			Title:       caseTitle,
			Description: caseDescription,
		})
		if err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(created)
		}
		fmt.Printf("✓ Case created\n\n")
		fmt.Printf("  ID:     %s\n", created.ID)
		fmt.Printf("  Number: %s\n", created.CaseNumber)
		return nil
	},
}

func init() {
	caseCreateCmd.Flags().StringVar(&caseTitle, "title", "", "Case title")
	caseCreateCmd.Flags().StringVar(&caseDescription, "description", "", "Case description")
	_ = caseCreateCmd.MarkFlagRequired("title")
}

var caseListLimit int

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		cases, err := c.ListCases(context.Background(), caseListLimit, 0)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cases)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NUMBER\tTITLE\tCREATED\tID")
		for _, cs := range cases {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cs.CaseNumber, truncate(cs.Title, 40), cs.CreatedAt.Format(time.RFC3339), cs.ID)
		}
		return w.Flush()
	},
}

func init() {
	caseListCmd.Flags().IntVar(&caseListLimit, "limit", 50, "Maximum cases (up to 200)")
}

var caseVerifyCmd = &cobra.Command{
	Use:   "verify <case-number>",
	Short: "Show a case and the evidence associated with it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.VerifyCase(context.Background(), args[0])
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("case %s not found", args[0])
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(v)
		}
		fmt.Printf("Case:  %s (%s)\n", v.Case.CaseNumber, v.Case.Title)
		if v.Case.Description != "" {
			fmt.Printf("       %s\n", v.Case.Description)
		}
		fmt.Printf("Evidence: %d record(s)\n\n", len(v.Evidence))
		if len(v.Evidence) == 0 {
			return nil
		}
		return printEvidenceTable(v.Evidence)
	},
}
