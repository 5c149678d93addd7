package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mindprint/internal/certificate"
)

// NewLogCommand creates the log command group.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the transparency log",
	}
	cmd.AddCommand(newLogAuditCommand(rootOpts))
	return cmd
}

func newLogAuditCommand(rootOpts *RootOptions) *cobra.Command {
	var src sourceOptions

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check every transparency log entry",
		Long: `Walk the transparency log in append order. Each entry must link to the
previous entry's hash and re-derive from its certificate's stored proof.
Exits 1 when any entry fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := src.localService(cmd.ErrOrStderr(), rootOpts)
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := svc.AuditLog(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "audit", err)
			}
			if err := rootOpts.output(cmd).Emit(report, func(w io.Writer) { printAudit(w, report) }); err != nil {
				return err
			}
			if !report.OK() {
				return NewExitError(ExitFailure, fmt.Sprintf("transparency log audit failed for %d certificates", len(report.BrokenIDs())))
			}
			return nil
		},
	}
	src.bind(cmd, false)
	return cmd
}

func printAudit(w io.Writer, r *certificate.AuditReport) {
	if r.OK() {
		fmt.Fprintf(w, "✓ Transparency log intact (%d entries)\n", r.Entries)
		return
	}
	fmt.Fprintf(w, "✗ Transparency log has %d findings across %d entries\n", len(r.Findings), r.Entries)
	for _, f := range r.Findings {
		fmt.Fprintf(w, "  #%d %s: %s\n", f.Position, f.CertificateID, f.Problem)
	}
}
