package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/pkg/client"
)

func init() {
	rootCmd.AddCommand(keygenCmd, hashCmd, signCmd, submitCmd, listCmd, getCmd)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a secp256k1 signing key",
	Long: `keygen writes a new private key to the --key path (owner-readable only)
and prints the address the server will record as submitter.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keyFile); err == nil && !keygenForce {
			return fmt.Errorf("%s already exists; pass --force to replace it", keyFile)
		}
		s, err := client.GenerateSigner()
		if err != nil {
			return err
		}
		if err := s.Save(keyFile); err != nil {
			return err
		}
		fmt.Printf("✓ Key written to %s\n\n", keyFile)
		fmt.Printf("  Address: %s\n", s.Address())
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing key")
}

// ── hash ─────────────────────────────────────────────────────────────────────

var hashCmd = &cobra.Command{
	Use:   "hash <file> [file...]",
	Short: "Print the content hash (CIDv0) of files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			h, err := client.HashFile(path)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				fmt.Println(h)
			} else {
				fmt.Printf("%s  %s\n", h, path)
			}
		}
		return nil
	},
}

// ── sign ─────────────────────────────────────────────────────────────────────

var signCmd = &cobra.Command{
	Use:   "sign <content-hash>",
	Short: "Sign the submission message for a content hash",
	Long: `sign prints the signature over "Submit evidence: <content-hash>" made with
the --key signing key, for use with other HTTP clients.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client.LoadSigner(keyFile)
		if err != nil {
			return err
		}
		sig, err := s.Sign(args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(map[string]string{
				"content_hash": args[0],
				"signature":    sig,
				"submitter":    s.Address(),
			})
		}
		fmt.Println(sig)
		return nil
	},
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitFile        string
	submitHash        string
	submitCase        string
	submitName        string
	submitDescription string
	submitType        string
	submitMeta        map[string]string
	submitRequestID   string
	submitRetries     int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Sign and submit evidence",
	Long: `submit hashes --file (or takes --hash), signs the submission and sends it.

When the server reports the outcome unknown, submit retries with the same
request id, which the server deduplicates. Pass --request-id to resume a
submission from an earlier run.`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitFile, "file", "", "File to hash and submit")
	submitCmd.Flags().StringVar(&submitHash, "hash", "", "Content hash (CID) to submit instead of --file")
	submitCmd.Flags().StringVar(&submitCase, "case", "", "Case number to associate with")
	submitCmd.Flags().StringVar(&submitName, "name", "", "Evidence name (defaults to the file name)")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "Evidence description")
	submitCmd.Flags().StringVar(&submitType, "type", "", "Evidence type: document, image, audio or video")
	submitCmd.Flags().StringToStringVar(&submitMeta, "meta", nil, "Extra metadata as key=value pairs")
	submitCmd.Flags().StringVar(&submitRequestID, "request-id", "", "Request id of an earlier attempt to resume")
	submitCmd.Flags().IntVar(&submitRetries, "retries", 3, "Retries when the outcome is unknown")
	submitCmd.MarkFlagsMutuallyExclusive("file", "hash")
	submitCmd.MarkFlagsOneRequired("file", "hash")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	signer, err := client.LoadSigner(keyFile)
	if err != nil {
		return fmt.Errorf("%w (run 'evidencectl keygen' first)", err)
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	hash := submitHash
	meta := client.Metadata{}
	if submitFile != "" {
		if hash, err = client.HashFile(submitFile); err != nil {
			return err
		}
		info, err := os.Stat(submitFile)
		if err != nil {
			return err
		}
		meta[model.MetaName] = info.Name()
		meta[model.MetaFileSize] = info.Size()
	}
	for k, v := range submitMeta {
		meta[k] = v
	}
	for key, v := range map[string]string{
		model.MetaCaseNumber:  submitCase,
		model.MetaName:        submitName,
		model.MetaDescription: submitDescription,
		model.MetaType:        submitType,
	} {
		if v != "" {
			meta[key] = v
		}
	}

	req, err := signer.NewSubmission(hash, meta)
	if err != nil {
		return err
	}
	if submitRequestID != "" {
		req.RequestID = submitRequestID
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var res *client.SubmitResult
	for attempt := 0; ; attempt++ {
		res, err = c.SubmitEvidence(ctx, req)
		var apiErr *client.APIError
		if err == nil || !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt >= submitRetries {
			break
		}
		fmt.Fprintf(os.Stderr, "outcome unknown (%s); retrying request %s\n", apiErr.Message, req.RequestID)
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return fmt.Errorf("%w\nresume with: evidencectl submit --hash %s --request-id %s", err, hash, req.RequestID)
		}
		return err
	}

	if outputFormat == "json" {
		return printJSON(res)
	}
	fmt.Printf("✓ Evidence recorded\n\n")
	fmt.Printf("  ID:           %s\n", res.ID)
	fmt.Printf("  Content hash: %s\n", res.Record.ContentHash)
	fmt.Printf("  Receipt:      %s\n", res.LedgerReceipt)
	fmt.Printf("  Submitter:    %s\n", res.Record.SubmitterIdentity)
	return nil
}

// ── list / get ───────────────────────────────────────────────────────────────

var (
	listSubmitter string
	listMine      bool
	listLimit     int
	listOffset    int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List evidence, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		submitter := listSubmitter
		if listMine {
			s, err := client.LoadSigner(keyFile)
			if err != nil {
				return err
			}
			submitter = s.Address()
		}
		records, err := c.ListEvidence(context.Background(), submitter, listLimit, listOffset)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(records)
		}
		return printEvidenceTable(records)
	},
}

func init() {
	listCmd.Flags().StringVar(&listSubmitter, "submitter", "", "Only evidence from this address")
	listCmd.Flags().BoolVar(&listMine, "mine", false, "Only evidence signed by --key")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum records (up to 200)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Records to skip")
	listCmd.MarkFlagsMutuallyExclusive("submitter", "mine")
}

var getCmd = &cobra.Command{
	Use:   "get <evidence-id>",
	Short: "Show one evidence record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.GetEvidence(context.Background(), args[0])
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("evidence %s not found", args[0])
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(rec)
		}
		fmt.Printf("ID:           %s\n", rec.ID)
		fmt.Printf("Content hash: %s\n", rec.ContentHash)
		fmt.Printf("Submitter:    %s\n", rec.SubmitterIdentity)
		fmt.Printf("Receipt:      %s\n", rec.LedgerReceipt)
		fmt.Printf("Created:      %s\n", rec.CreatedAt.Format(time.RFC3339))
		if len(rec.Metadata) > 0 {
			fmt.Println("Metadata:")
			for k, v := range rec.Metadata {
				fmt.Printf("  %s: %v\n", k, v)
			}
		}
		return nil
	},
}

func printEvidenceTable(records []*client.EvidenceRecord) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tCASE\tNAME\tCONTENT HASH\tSUBMITTER")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.CreatedAt.Format(time.RFC3339), r.Metadata.CaseNumber(),
			truncate(r.Metadata.Name(), 24), r.ContentHash, r.SubmitterIdentity)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
