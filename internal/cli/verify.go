package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mindprint/internal/certificate"
	"mindprint/internal/client"
	"mindprint/internal/schemavalidation"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		src  sourceOptions
		file string
	)

	cmd := &cobra.Command{
		Use:   "verify [certificate-id]",
		Short: "Verify a certificate",
		Long: `Verify a certificate by id, or a certificate payload saved to a file.

The proof signature, digests and transparency log entry are checked either
by a server (--server) or against a local database opened with the
server's signing secrets. Exits 1 when the certificate is not valid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (file != "") {
				return NewExitError(ExitCommandError, "give a certificate id or --file, not both")
			}
			return runVerify(cmd, rootOpts, &src, args, file)
		},
	}
	src.bind(cmd, true)
	cmd.Flags().StringVarP(&file, "file", "f", "", "certificate payload JSON to verify")
	return cmd
}

func runVerify(cmd *cobra.Command, rootOpts *RootOptions, src *sourceOptions, args []string, file string) error {
	ctx := cmd.Context()
	out := rootOpts.output(cmd)

	var payload *certificate.Payload
	if file != "" {
		p, err := readPayload(file)
		if err != nil {
			return err
		}
		payload = p
	}

	var res *client.VerifyResult
	switch {
	case src.remote() && payload != nil:
		out.VerboseLog("verifying %s against %s", file, src.Server)
		r, err := src.client().VerifyPayload(ctx, payload)
		if err != nil {
			return commandError("verify", err)
		}
		res = r
	case src.remote():
		out.VerboseLog("verifying %s against %s", args[0], src.Server)
		r, err := src.client().Verify(ctx, args[0])
		if err != nil {
			return commandError("verify", err)
		}
		res = r
	default:
		svc, closeFn, err := src.localService(cmd.ErrOrStderr(), rootOpts)
		if err != nil {
			return err
		}
		defer closeFn()

		var r certificate.Result
		if payload == nil {
			payload, r, err = svc.VerifyByID(ctx, args[0])
		} else {
			r, err = svc.Verify(ctx, payload)
		}
		if err != nil {
			return commandError("verify", err)
		}
		res = &client.VerifyResult{ID: payload.ID, Valid: r.Valid, Reason: r.Reason}
	}

	if err := out.Emit(res, func(w io.Writer) { printVerdict(w, res) }); err != nil {
		return err
	}
	if !res.Valid {
		return NewExitError(ExitFailure, "certificate is not valid")
	}
	return nil
}

// readPayload loads a certificate payload and checks its shape before
// anything is recomputed from it.
func readPayload(path string) (*certificate.Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read payload", err)
	}
	v, err := schemavalidation.Default()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(schemavalidation.CertificatePayload, raw); err != nil {
		return nil, WrapExitError(ExitCommandError, "payload "+path, err)
	}
	var p certificate.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, WrapExitError(ExitCommandError, "decode payload", err)
	}
	return &p, nil
}

func printVerdict(w io.Writer, res *client.VerifyResult) {
	if res.Valid {
		fmt.Fprintf(w, "✓ %s is valid\n", res.ID)
	} else {
		fmt.Fprintf(w, "✗ %s is NOT valid: %s\n", res.ID, res.Reason)
	}
	if res.VerifyURL != "" {
		fmt.Fprintf(w, "  %s\n", res.VerifyURL)
	}
}
