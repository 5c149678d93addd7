package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"mindprint/internal/certificate"
	"mindprint/internal/client"
	"mindprint/internal/config"
	"mindprint/internal/signer"
	"mindprint/internal/store"
)

// sourceOptions selects where certificates come from: a server over HTTP,
// or the server's own database opened with its signing secrets.
type sourceOptions struct {
	Server     string
	DBPath     string
	ConfigPath string
}

func (o *sourceOptions) bind(cmd *cobra.Command, remote bool) {
	if remote {
		cmd.Flags().StringVar(&o.Server, "server", "", "mindprint server URL (default: local database)")
	}
	cmd.Flags().StringVar(&o.DBPath, "db", "", "database path (default: storage.path from config)")
	cmd.Flags().StringVar(&o.ConfigPath, "config", "", "config file with signing secrets (default: environment only)")
}

func (o *sourceOptions) remote() bool { return o.Server != "" }

func (o *sourceOptions) client() *client.Client { return client.New(o.Server) }

func (o *sourceOptions) loadConfig() (*config.Config, error) {
	if o.ConfigPath == "" {
		return config.LoadFromEnv(), nil
	}
	cfg, err := config.NewLoader(o.ConfigPath).Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// localService opens an existing database and a certificate service keyed
// the way the server is. The returned func closes the database.
func (o *sourceOptions) localService(log io.Writer, root *RootOptions) (*certificate.Service, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	path := o.DBPath
	if path == "" {
		path = cfg.Storage.Path
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
		return nil, nil, WrapExitError(ExitCommandError, "open database", err)
	}

	kr, err := signer.NewKeyring(cfg.Secrets())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "signing keys", err)
	}
	st, err := store.Open(path, store.WithBusyTimeout(cfg.Storage.BusyTimeout()))
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open database", err)
	}
	svc := certificate.NewService(st, kr.Certificate(), certificate.WithLogger(root.logger(log)))
	return svc, func() { st.Close() }, nil
}

// commandError wraps a lookup failure. A missing certificate is a command
// error, not an invalid certificate.
func commandError(op string, err error) error {
	if errors.Is(err, certificate.ErrNotFound) {
		return NewExitError(ExitCommandError, "Certificate not found.")
	}
	return WrapExitError(ExitCommandError, op, err)
}
