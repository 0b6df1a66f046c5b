package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"basebot/internal/app"
	"basebot/internal/domain"
	"basebot/internal/infra/telemetry"
)

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start every provider and keep them running, with the HTTP API when enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application, cfg, err := opts.open(ctx)
			if err != nil {
				return err
			}
			return application.Serve(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
				Config:     cfg,
			})
		},
	}
}

type batchFile struct {
	Invocations []domain.Invocation `json:"invocations"`
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a batch of invocations and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			invocations, err := readBatchFile(file)
			if err != nil {
				return err
			}
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application, cfg, err := opts.open(ctx)
			if err != nil {
				return err
			}
			report, err := application.Run(ctx, cfg, invocations)
			if err != nil {
				return err
			}
			if err := printReport(report, opts.jsonOutput); err != nil {
				return err
			}
			for _, res := range report.Results {
				if !res.OK() {
					return exitSilent(2)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON batch file: {\"invocations\":[...]} or a bare array; - reads stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCatalogCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Start the providers and list every tool they advertise",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application, cfg, err := opts.open(ctx)
			if err != nil {
				return err
			}
			tools, err := application.Catalog(ctx, cfg)
			if err != nil {
				return err
			}
			return printCatalog(tools, opts.jsonOutput)
		},
	}
}

func newValidateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without launching providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := opts.bootstrap()
			if err != nil {
				return err
			}
			cfg, err := application.ValidateConfig(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(telemetry.RedactConfig(cfg))
			}
			fmt.Printf("%s: ok (%d providers)\n", opts.configPath, len(cfg.Providers))
			return nil
		},
	}
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled batches, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, cfg, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			records, err := application.History(cfg, limit)
			if err != nil {
				return err
			}
			return printHistory(records, opts.jsonOutput)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of batches to show (0 for all)")
	return cmd
}

// readBatchFile accepts either {"invocations":[...]} or a bare array.
func readBatchFile(path string) ([]domain.Invocation, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = readAllStdin()
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}

	var invocations []domain.Invocation
	if err := json.Unmarshal(data, &invocations); err != nil {
		var batch batchFile
		if objErr := json.Unmarshal(data, &batch); objErr != nil {
			return nil, fmt.Errorf("decode batch file: %w", objErr)
		}
		invocations = batch.Invocations
	}
	if len(invocations) == 0 {
		return nil, fmt.Errorf("batch file %s has no invocations", path)
	}
	for i, inv := range invocations {
		if inv.Provider == "" || inv.Method == "" {
			return nil, fmt.Errorf("invocations[%d]: provider and method are required", i)
		}
	}
	return invocations, nil
}
