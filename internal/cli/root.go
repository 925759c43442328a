// Package cli implements the querysession command line client.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/querysession/internal/config"
	"github.com/capitalize-ai/querysession/pkg/logger"
)

type app struct {
	cfg    *config.Config
	cfgErr error
	log    *logger.Logger

	transport string
	backend   string
	logLevel  string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand builds the querysession command tree on the process stdio.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

// NewRootCommandWithIO builds the command tree on the given streams.
func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	cfg, cfgErr := config.Load()
	if cfg == nil {
		cfg = config.Defaults()
	}
	a := &app{
		cfg:    cfg,
		cfgErr: cfgErr,
		log:    logger.Nop(),
		stdin:  in,
		stdout: out,
		stderr: errOut,
	}

	cmd := &cobra.Command{
		Use:   "querysession",
		Short: "Ask questions about your data from the terminal",
		Long: "querysession sends natural-language questions to the analysis service, " +
			"streams the answers and keeps a local history of conversations.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.setup() },
		PersistentPostRun: func(*cobra.Command, []string) { _ = a.log.Sync() },
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.transport, "transport", "", "socket or stream (overrides TRANSPORT)")
	cmd.PersistentFlags().StringVar(&a.backend, "storage", "", "memory, file, sqlite or nats (overrides STORAGE_BACKEND)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	cmd.AddCommand(
		newChatCmd(a),
		newAskCmd(a),
		newSessionsCmd(a),
	)
	return cmd
}

// setup applies flag overrides, validates configuration and opens the log.
func (a *app) setup() error {
	if a.cfgErr != nil {
		return a.cfgErr
	}
	if a.transport != "" {
		a.cfg.Transport = a.transport
	}
	if a.backend != "" {
		a.cfg.StorageBackend = a.backend
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch a.cfg.LogFile {
	case "":
		a.log = logger.Nop()
	case "-":
		log, err := logger.New(a.cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		a.log = log
	default:
		a.log = logger.NewWithFile(a.cfg.LogLevel, a.cfg.LogFile)
	}
	logger.SetGlobal(a.log)
	return nil
}
