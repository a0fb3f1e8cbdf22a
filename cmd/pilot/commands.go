package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/aschepis/backscratcher/pilot/command"
	ctxpkg "github.com/aschepis/backscratcher/pilot/context"
	"github.com/aschepis/backscratcher/pilot/service"
	"github.com/spf13/cobra"
)

// execResult is one line of `pilot exec` output.
type execResult struct {
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	var (
		queued bool
		debug  bool
	)
	cmd := &cobra.Command{
		Use:   "exec <command>... | -",
		Short: "Execute commands",
		Long: `Execute one or more commands in order. Pass "-" to read commands from stdin,
one per line.

With --queue the commands go through the FIFO queue, with the configured delay
between them, instead of running directly.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			texts, err := commandTexts(args)
			if err != nil {
				return err
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = ctxpkg.WithOrigin(ctx, ctxpkg.OriginCLI)
			if debug {
				ctx = ctxpkg.WithDebugCallback(ctx, func(msg string) {
					printLine(cmd.ErrOrStderr(), "debug: %s", msg)
				})
			}

			var results []execResult
			if queued {
				results, err = runQueued(ctx, a.svc, texts)
				if err != nil {
					return err
				}
			} else {
				results = runDirect(ctx, a.svc, texts)
			}

			if err := printJSON(opts.out, results); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Error != "" {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d commands failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&queued, "queue", false, "Run the commands through the FIFO queue")
	cmd.Flags().BoolVar(&debug, "debug", false, "Print dispatch progress to stderr")
	return cmd
}

func runDirect(ctx context.Context, svc *service.CommandService, texts []string) []execResult {
	results := make([]execResult, 0, len(texts))
	for _, text := range texts {
		res := execResult{Command: text}
		out, err := svc.ExecuteText(ctx, text)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Result = out
		}
		results = append(results, res)
	}
	return results
}

// runQueued enqueues every command and collects the outcomes in queue order.
// Invalid commands are reported without being queued.
func runQueued(ctx context.Context, svc *service.CommandService, texts []string) ([]execResult, error) {
	var mu sync.Mutex
	outcomes := map[string]execResult{}
	unsubscribe := svc.Subscribe(func(ev service.Event) {
		if ev.Type == service.EventQueued {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		outcomes[ev.Command.ID] = execResult{Result: ev.Result, Error: ev.Error}
	})
	defer unsubscribe()

	ids := make([]string, len(texts))
	parseErrs := map[int]string{}
	for i, text := range texts {
		cmd, err := svc.QueueText(text)
		if err != nil {
			parseErrs[i] = err.Error()
			continue
		}
		ids[i] = cmd.ID
	}

	if err := svc.WaitIdle(ctx); err != nil {
		return nil, fmt.Errorf("waiting for queue: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	results := make([]execResult, len(texts))
	for i, text := range texts {
		if msg, ok := parseErrs[i]; ok {
			results[i] = execResult{Command: text, Error: msg}
			continue
		}
		res := outcomes[ids[i]]
		res.Command = text
		results[i] = res
	}
	return results, nil
}

func commandTexts(args []string) ([]string, error) {
	if len(args) != 1 || args[0] != "-" {
		return args, nil
	}
	var texts []string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		texts = append(texts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("no commands on stdin")
	}
	return texts, nil
}

func newParseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <command>",
		Short: "Parse a command and print it as JSON without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cmd, err := command.ParseLine(args[0])
			if err != nil {
				return err
			}
			return printJSON(opts.out, command.Redacted(cmd))
		},
	}
}
