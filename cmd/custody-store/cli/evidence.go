package cli

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/service"
)

// maxParallelIngests bounds concurrent pipelines started by one command.
const maxParallelIngests = 4

// NewIngestCommand ingests local files directly into the configured
// catalog and backend.
func NewIngestCommand() *cobra.Command {
	var caseNumber, officer, mimeType string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest files as evidence",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if officer == "" {
				return errors.New("--officer is required")
			}

			ctx := cmd.Context()
			a, err := openLocal(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			results := make([]*service.IngestResult, len(args))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(maxParallelIngests)
			for i, path := range args {
				g.Go(func() error {
					f, err := os.Open(path)
					if err != nil {
						return err
					}
					defer f.Close()

					mt := mimeType
					if mt == "" {
						mt = mime.TypeByExtension(filepath.Ext(path))
					}
					res, err := a.Ingest.Ingest(gctx, service.IngestRequest{
						Reader:     f,
						FileName:   filepath.Base(path),
						MimeType:   mt,
						CaseNumber: caseNumber,
						UploadedBy: officer,
					})
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					results[i] = res
					return nil
				})
			}
			err = g.Wait()

			for _, res := range results {
				if res == nil {
					continue
				}
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&caseNumber, "case", "", "case number to bind the evidence to")
	cmd.Flags().StringVar(&officer, "officer", "", "identity recorded as uploader")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type (default: guessed from the extension)")
	return cmd
}

// NewFetchCommand retrieves verified content by CID.
func NewFetchCommand() *cobra.Command {
	var output, officer string

	cmd := &cobra.Command{
		Use:   "fetch <cid>",
		Short: "Fetch evidence content after verifying its CID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if officer == "" {
				return errors.New("--officer is required")
			}

			ctx := cmd.Context()
			a, err := openLocal(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			content, err := a.Retrieval.Retrieve(ctx, args[0], officer)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(content.Data)
				return err
			}
			if err := os.WriteFile(output, content.Data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d bytes written to %s\n", content.Record.CID, len(content.Data), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&officer, "officer", "", "identity recorded in the access log")
	return cmd
}

// NewVerifyCommand checks the custody chain of one CID. It exits non-zero
// when the chain is broken.
func NewVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <cid>",
		Short: "Verify the custody chain of a CID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openLocal(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Custody.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("custody chain of %s is not valid: %s", res.CID, res.Reason)
			}
			return nil
		},
	}
}
