package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/logging"
	"github.com/teemow/imanage-mcp/internal/server"
)

func newProbeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check iManage connectivity with the service account",
		Long: `Obtain a service account token and call the customer features endpoint,
exactly like GET /test on a running server. The report is printed as JSON and
the command exits non-zero when the check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return runProbe(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging. Can also use DEBUG env var.")
	return cmd
}

func runProbe(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// The probe always runs as the service account.
	cfg.AuthMode = config.AuthModeService

	sc, err := server.NewServerContext(ctx, cfg,
		server.WithLogger(logging.New(cfg.Debug, cfg.LogFormat)),
		server.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() { _ = sc.Shutdown() }()

	report, probeErr := server.NewDiagnostics(sc).Connection(ctx)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if probeErr != nil {
		return fmt.Errorf("iManage connectivity check failed: %w", probeErr)
	}
	return nil
}
