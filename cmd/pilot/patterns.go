package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newPatternsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect and manage learned UI patterns",
	}
	cmd.AddCommand(
		newPatternsListCmd(opts),
		newPatternsStatsCmd(opts),
		newPatternsExportCmd(opts),
		newPatternsImportCmd(opts),
		newPatternsRetrainCmd(opts),
		newPatternsModeCmd(opts),
	)
	return cmd
}

func newPatternsListCmd(opts *rootOptions) *cobra.Command {
	var (
		url    string
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var patterns []pattern.UIPattern
			if url != "" {
				patterns, err = a.engine.FindPatternsByURL(cmd.Context(), url)
			} else {
				patterns, err = a.engine.GetAllPatterns(cmd.Context())
			}
			if err != nil {
				return err
			}
			if status != "" {
				patterns = lo.Filter(patterns, func(p pattern.UIPattern, _ int) bool { return string(p.Status) == status })
			}

			if asJSON {
				return printJSON(opts.out, patterns)
			}
			if len(patterns) == 0 {
				printLine(opts.out, "No patterns.")
				return nil
			}
			tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
			printLine(tw, "ID\tSELECTOR\tSTATUS\tSUCCESS\tUSED\tURL")
			for _, p := range patterns {
				printLine(tw, "%s\t%s\t%s\t%.0f%%\t%d\t%s", p.ID, p.Selector, p.Status, p.SuccessRate*100, p.TimesUsed, p.URL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Only patterns learned on this URL")
	cmd.Flags().StringVar(&status, "status", "", "Only patterns with this status (learning, stable, unstable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newPatternsStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pattern statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.engine.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(opts.out, map[string]any{
				"stats":        stats,
				"learningMode": a.engine.LearningMode(),
			})
		},
	}
}

func newPatternsExportCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all patterns as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.engine.ExportPatterns(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = opts.out.Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			printLine(opts.out, "Exported patterns to %s", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func newPatternsImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Import patterns from an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0]) //#nosec 304 -- user-selected import file
			}
			if err != nil {
				return fmt.Errorf("failed to read patterns: %w", err)
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.ImportPatterns(cmd.Context(), data)
			if err != nil {
				return err
			}
			printLine(opts.out, "Imported %d patterns", n)
			return nil
		},
	}
}

func newPatternsRetrainCmd(opts *rootOptions) *cobra.Command {
	var unstable bool
	cmd := &cobra.Command{
		Use:   "retrain [id...]",
		Short: "Reset patterns to learning",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !unstable {
				return fmt.Errorf("pass pattern ids or --unstable")
			}
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := args
			if unstable {
				patterns, err := a.engine.UnstablePatterns(cmd.Context())
				if err != nil {
					return err
				}
				ids = append(ids, lo.Map(patterns, func(p pattern.UIPattern, _ int) string { return p.ID })...)
			}
			for _, id := range lo.Uniq(ids) {
				p, err := a.engine.RetrainPattern(cmd.Context(), id)
				if err != nil {
					return err
				}
				printLine(opts.out, "Retrained %s (%s)", p.ID, p.Selector)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unstable, "unstable", false, "Retrain every unstable pattern")
	return cmd
}

func newPatternsModeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mode [disabled|active|autonomous|cycle]",
		Short: "Show or set the learning mode",
		Long: `Show or set the learning mode. The mode is kept in the config file, so the
change applies to later invocations and to pilot serve on restart.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				printLine(opts.out, "%s", a.engine.LearningMode())
				return nil
			}

			var mode pattern.LearningMode
			if args[0] == "cycle" {
				mode = a.engine.CycleLearningMode()
			} else {
				mode, err = pattern.ParseLearningMode(args[0])
				if err != nil {
					return err
				}
				if err := a.engine.SetLearningMode(mode); err != nil {
					return err
				}
			}

			if err := saveLearningMode(opts, string(mode)); err != nil {
				return err
			}
			printLine(opts.out, "Learning mode: %s", mode)
			return nil
		},
	}
}
