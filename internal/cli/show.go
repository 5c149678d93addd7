package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mindprint/internal/certificate"
	"mindprint/internal/telemetry"
)

const excerptRunes = 240

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	var src sourceOptions

	cmd := &cobra.Command{
		Use:   "show <certificate-id>",
		Short: "Print a stored certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var p *certificate.Payload
			if src.remote() {
				got, err := src.client().Certificate(ctx, args[0])
				if err != nil {
					return commandError("show", err)
				}
				p = got
			} else {
				svc, closeFn, err := src.localService(cmd.ErrOrStderr(), rootOpts)
				if err != nil {
					return err
				}
				defer closeFn()
				if p, err = svc.Get(ctx, args[0]); err != nil {
					return commandError("show", err)
				}
			}
			return rootOpts.output(cmd).Emit(p, func(w io.Writer) { printCertificate(w, p) })
		},
	}
	src.bind(cmd, true)
	return cmd
}

func printCertificate(w io.Writer, p *certificate.Payload) {
	fmt.Fprintf(w, "%s\n", p.Title)
	fmt.Fprintf(w, "%s\n\n", p.Subtitle)
	fmt.Fprintf(w, "  ID:        %s\n", p.ID)
	fmt.Fprintf(w, "  Score:     %d\n", p.Score)
	fmt.Fprintf(w, "  Issued:    %s\n", p.IssuedAt)
	fmt.Fprintf(w, "  Replay:    %d events\n", len(p.Replay))

	if p.Proof == nil {
		fmt.Fprintf(w, "  Proof:     none\n")
	} else {
		status := "unclassified"
		if p.Proof.ValidationStatus != nil {
			status = string(*p.Proof.ValidationStatus)
		}
		fmt.Fprintf(w, "  Status:    %s\n", status)
		fmt.Fprintf(w, "  Artifact:  %s\n", p.Proof.ArtifactSHA256)
		if p.Proof.LogEntryHash != nil {
			fmt.Fprintf(w, "  Log entry: %s\n", *p.Proof.LogEntryHash)
		}
		prev := "(genesis)"
		if p.Proof.PrevLogEntryHash != nil {
			prev = *p.Proof.PrevLogEntryHash
		}
		fmt.Fprintf(w, "  Previous:  %s\n", prev)
	}

	excerpt := telemetry.TruncateRunes(p.Text, excerptRunes)
	if excerpt != p.Text {
		excerpt += "…"
	}
	fmt.Fprintf(w, "\n%s\n", excerpt)
}
