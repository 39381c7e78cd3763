package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/caregaps/internal/config"
	"github.com/ehr/caregaps/internal/domain/gapsreport"
	"github.com/ehr/caregaps/internal/elm"
	"github.com/ehr/caregaps/internal/gaps"
)

func gapsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gaps <request.json>",
		Short: "Calculate a gaps-in-care bundle from a request file",
		Long: `Reads a $care-gaps request (libraries, clause results, measureReport,
patient) and writes the gaps-in-care document Bundle as JSON. Diagnostics
are logged as warnings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			numerator, _ := cmd.Flags().GetString("numerator")
			output, _ := cmd.Flags().GetString("output")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if numerator != "" {
				cfg.NumeratorStatement = numerator
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return runGaps(cmd.Context(), cfg, args[0], out)
		},
	}
	cmd.Flags().String("numerator", "", "Numerator statement name (overrides NUMERATOR_STATEMENT)")
	cmd.Flags().StringP("output", "o", "", "Write the bundle to this file instead of stdout")
	return cmd
}

func runGaps(ctx context.Context, cfg *config.Config, path string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var req gapsreport.CalculateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	// the CLI never stores
	req.Persist = false

	logger := newLogger(cfg, os.Stderr)
	evaluator, _ := newEvaluator(cfg, logger)
	svc := gapsreport.NewService(nil, gaps.NewCalculator(evaluator), cfg.NumeratorStatement, logger)

	res, err := svc.Calculate(ctx, &req)
	if err != nil {
		return err
	}
	return writeJSON(out, res.Result.Bundle)
}

func depsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <library.json>...",
		Short: "Print the statement dependency map of ELM libraries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := elm.NewLibrarySet()
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				lib, err := elm.ParseLibrary(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				set.Add(lib)
			}
			return writeJSON(cmd.OutOrStdout(), elm.BuildStatementDependencyMaps(set))
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
