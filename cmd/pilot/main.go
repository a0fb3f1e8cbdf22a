// Command pilot is the browser command shell: it parses /type#id{params}
// commands, runs them through the handler table and serves the shell over
// HTTP and MCP.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	dbPath     string
	logFile    string
	pretty     bool
	quiet      bool
	startURL   string

	out io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}

	root := &cobra.Command{
		Use:   "pilot",
		Short: "pilot - browser command shell",
		Long: `pilot runs browser automation commands written as /type#id{json params}.

Examples:
  pilot exec '/navigate#n1{"url":"https://example.com"}' '/screenshot#s1{}'
  pilot parse '/click#c1{"selector":"#login"}'
  pilot serve --http 127.0.0.1:7420 --mcp
  pilot patterns stats
  pilot memory list --type command`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config file (default $PILOT_CONFIG_PATH or ~/.pilot/config.yaml)")
	flags.StringVar(&opts.dbPath, "db", "", "Path to SQLite database file (overrides database.path)")
	flags.StringVar(&opts.logFile, "logfile", "", "Path to log file. If not set, logs to stderr")
	flags.BoolVar(&opts.pretty, "pretty", false, "Use pretty console output (only valid when logfile is not set)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Only log warnings and errors")
	flags.StringVar(&opts.startURL, "url", "about:blank", "Initial page URL")

	root.AddCommand(
		newExecCmd(opts),
		newParseCmd(opts),
		newServeCmd(opts),
		newPatternsCmd(opts),
		newMemoryCmd(opts),
	)
	return root
}
