package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aschepis/backscratcher/pilot/config"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newMemoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage the memory store",
	}
	cmd.AddCommand(
		newMemoryListCmd(opts),
		newMemoryClearCmd(opts),
		newMemoryRmCmd(opts),
	)
	return cmd
}

func parseTypes(raw []string) ([]memory.Type, error) {
	types := make([]memory.Type, 0, len(raw))
	for _, r := range raw {
		typ := memory.Type(strings.TrimSpace(r))
		if !typ.Valid() {
			return nil, fmt.Errorf("invalid memory type: %q", r)
		}
		types = append(types, typ)
	}
	return types, nil
}

func newMemoryListCmd(opts *rootOptions) *cobra.Command {
	var (
		typ    string
		tags   []string
		search string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memory items, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter memory.Type
			if typ != "" {
				types, err := parseTypes([]string{typ})
				if err != nil {
					return err
				}
				filter = types[0]
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.store.Query(cmd.Context(), memory.Query{
				Type:   filter,
				Tags:   tags,
				Search: search,
				Limit:  limit,
				Newest: true,
			})
			if err != nil {
				return err
			}
			items = lo.Map(items, func(item memory.MemoryItem, _ int) memory.MemoryItem { return item.Redacted() })

			if asJSON {
				return printJSON(opts.out, items)
			}
			if len(items) == 0 {
				printLine(opts.out, "No memory items.")
				return nil
			}
			tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
			printLine(tw, "ID\tTYPE\tCREATED\tTAGS")
			for _, item := range items {
				printLine(tw, "%s\t%s\t%s\t%s", item.ID, item.Type, item.CreatedAt.Format(time.RFC3339), strings.Join(item.Tags, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Only items of this type")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Only items carrying all of these tags")
	cmd.Flags().StringVar(&search, "search", "", "Substring to search for in item data")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of items")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newMemoryClearCmd(opts *rootOptions) *cobra.Command {
	var (
		types []string
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete memory items by type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(types) == 0 && !all {
				return fmt.Errorf("pass --type or --all")
			}
			parsed, err := parseTypes(types)
			if err != nil {
				return err
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.store.Clear(cmd.Context(), parsed...)
			if err != nil {
				return err
			}
			printLine(opts.out, "Removed %d items", removed)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Types to delete (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every item, including patterns and credentials")
	return cmd
}

func newMemoryRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete memory items by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if err := a.store.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to delete %s: %w", id, err)
				}
				printLine(opts.out, "Deleted %s", id)
			}
			return nil
		},
	}
}

// saveLearningMode persists mode in the config file without writing out defaults
// or environment overrides.
func saveLearningMode(opts *rootOptions, mode string) error {
	path := opts.configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	return config.Update(path, func(cfg *config.Config) {
		cfg.Patterns.LearningMode = mode
	})
}
