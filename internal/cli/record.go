package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mindprint/internal/client"
)

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		server   string
		text     string
		textFile string
		title    string
		batch    int
	)

	cmd := &cobra.Command{
		Use:   "record <events.json>",
		Short: "Upload a recorded session and issue its certificate",
		Long: `Open a telemetry session on a server, upload the events in ordered
batches and finish the session with the written text. Prints the issued
certificate id and its verification link.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return NewExitError(ExitCommandError, "--server is required")
			}
			if text != "" && textFile != "" {
				return NewExitError(ExitCommandError, "give --text or --text-file, not both")
			}
			if textFile != "" {
				raw, err := os.ReadFile(textFile)
				if err != nil {
					return WrapExitError(ExitCommandError, "read text", err)
				}
				text = string(raw)
			}

			events, _, err := readEvents(args[0])
			if err != nil {
				return err
			}

			out := rootOpts.output(cmd)
			up := client.NewUploader(client.New(server),
				client.WithMaxBatch(batch),
				client.WithUploaderLogger(rootOpts.logger(cmd.ErrOrStderr())),
			)
			ctx := cmd.Context()
			sess, err := up.Start(ctx)
			if err != nil {
				return commandError("record", err)
			}
			out.VerboseLog("session %s opened, uploading %d events", sess.SessionID, len(events))

			up.Add(events...)
			if err := up.Flush(ctx); err != nil {
				return commandError("upload", err)
			}
			out.VerboseLog("%d events accepted", up.Sent())

			res, err := up.Finish(ctx, text, title)
			if err != nil {
				return commandError("finish", err)
			}
			return out.Emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Issued %s (%s, score %d)\n", res.ID, res.ValidationStatus, res.Score)
				if res.VerifyURL != "" {
					fmt.Fprintf(w, "  %s\n", res.VerifyURL)
				}
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "mindprint server URL")
	cmd.Flags().StringVar(&text, "text", "", "the written text to certify")
	cmd.Flags().StringVar(&textFile, "text-file", "", "read the written text from a file")
	cmd.Flags().StringVar(&title, "title", "", "certificate title")
	cmd.Flags().IntVar(&batch, "batch", 0, "events per batch (default: server maximum)")
	return cmd
}
