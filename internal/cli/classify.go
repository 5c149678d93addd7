package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mindprint/internal/schemavalidation"
	"mindprint/internal/telemetry"
)

// NewClassifyCommand creates the classify command.
func NewClassifyCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		server        string
		contentLength int
	)

	cmd := &cobra.Command{
		Use:   "classify <events.json>",
		Short: "Classify a recorded event history",
		Long: `Score an event history and print the verdict. The file holds either a
JSON array of events or an object {"events": [...], "contentLength": n}.
Classification runs locally unless --server is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, fileLength, err := readEvents(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("content-length") {
				fileLength = contentLength
			}

			var res *telemetry.Result
			if server != "" {
				rootOpts.output(cmd).VerboseLog("classifying %d events on %s", len(events), server)
				res, err = (&sourceOptions{Server: server}).client().Classify(cmd.Context(), events, fileLength)
				if err != nil {
					return commandError("classify", err)
				}
			} else {
				r := telemetry.ValidateSession(events, fileLength)
				res = &r
			}
			return rootOpts.output(cmd).Emit(res, func(w io.Writer) { printClassification(w, res) })
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "classify on a mindprint server")
	cmd.Flags().IntVar(&contentLength, "content-length", 0, "final document length in characters")
	return cmd
}

// readEvents loads an event history file and checks it against the
// classification request shape.
func readEvents(path string) ([]telemetry.Event, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "read events", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		raw = append(append([]byte(`{"events":`), raw...), '}')
	}

	v, err := schemavalidation.Default()
	if err != nil {
		return nil, 0, err
	}
	if err := v.Validate(schemavalidation.Classify, raw); err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "events "+path, err)
	}

	var req struct {
		Events        []telemetry.Event `json:"events"`
		ContentLength float64           `json:"contentLength"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "decode events", err)
	}
	return req.Events, int(req.ContentLength), nil
}

func printClassification(w io.Writer, r *telemetry.Result) {
	fmt.Fprintf(w, "Status:      %s\n", r.Status)
	if r.Reason != "" {
		fmt.Fprintf(w, "Reason:      %s\n", r.Reason)
	}
	m := r.Metrics
	fmt.Fprintf(w, "Risk score:  %d\n", m.RiskScore)
	fmt.Fprintf(w, "Confidence:  %.2f\n", m.Confidence)
	fmt.Fprintf(w, "Paste ratio: %.2f\n", m.PasteRatio)
	fmt.Fprintf(w, "Rhythm CV:   %.2f\n", m.CV)
	fmt.Fprintf(w, "Corrections: %.3f\n", m.CorrectionRatio)
	fmt.Fprintf(w, "Pauses/min:  %.2f\n", m.PauseRatePerMin)
	fmt.Fprintf(w, "Net length:  %d\n", m.NetContentLength)
}
