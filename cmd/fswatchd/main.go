// Command fswatchd is the daemon and CLI client in one binary,
// following the teacher's single-binary cmd/cw layout: a cobra root
// command with a "serve" subcommand that runs the daemon and a small
// family of one-shot client subcommands that dial it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fswatchd/fswatchd/internal/broadcast"
	"github.com/fswatchd/fswatchd/internal/cliclient"
	"github.com/fswatchd/fswatchd/internal/config"
	"github.com/fswatchd/fswatchd/internal/dispatch"
	"github.com/fswatchd/fswatchd/internal/listener"
	"github.com/fswatchd/fswatchd/internal/reaper"
	"github.com/fswatchd/fswatchd/internal/session"
	"github.com/fswatchd/fswatchd/internal/store"
	"github.com/fswatchd/fswatchd/internal/watchroot"
	"github.com/fswatchd/fswatchd/internal/wire"
)

var (
	configFlag  string
	sockFlag    string
	jsonFlag    bool
	replFlag    bool
	verboseFlag bool
	timeoutFlag time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fswatchd",
		Short: "A filesystem-watching daemon speaking a JSON/CBOR client protocol",
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&sockFlag, "sockname", "", "Override the daemon's Unix socket path")

	rootCmd.AddCommand(
		serveCmd(),
		callCmd(),
		watchCmd(),
		findCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fswatchd daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if sockFlag != "" {
				cfg.SockPath = sockFlag
			}
			setupLogging(cfg.LogLevel)

			if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
				return fmt.Errorf("creating state dir: %w", err)
			}

			reg := session.NewRegistry()
			r := reaper.New()
			roots := watchroot.NewRootSet(r)
			broadcaster := broadcast.New(reg, dispatch.Version)

			env := &dispatch.Env{
				Registry:    reg,
				Roots:       &watchroot.Facade{Roots: roots, Version: dispatch.Version},
				Broadcaster: broadcaster,
				Config:      &cfg,
				SockPath:    cfg.SockPath,
			}

			if cfg.PersistCursors {
				st, err := store.Open(filepath.Join(cfg.StateDir, "cursors.db"))
				if err != nil {
					return fmt.Errorf("opening cursor store: %w", err)
				}
				defer st.Close()
				env.Store = st
				env.Roots.Store = st
			}

			commands := dispatch.NewRegistry()
			d := listener.New(cfg.StateDir, cfg.MaxOpenFiles, reg, commands, env, r)
			if cfg.SockPath != "" {
				d.SockPath = cfg.SockPath
			}
			env.Shutdown = d.Shutdown

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				slog.Info("received shutdown signal")
				cancel()
			}()

			slog.Info("fswatchd starting", "sock", d.SockPath, "state_dir", cfg.StateDir)
			return d.Run(ctx)
		},
	}
}

// setupLogging installs a slog handler at the configured level,
// matching the teacher's consistent use of log/slog throughout (its
// own node/session packages log exclusively via slog, never fmt).
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

// ---------------------------------------------------------------------------
// callCmd — generic one-shot command invocation
// ---------------------------------------------------------------------------

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <command> [args...]",
		Short: "Send a single raw command to a running daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			wireArgs := make([]wire.Value, len(args)-1)
			for i, a := range args[1:] {
				wireArgs[i] = wire.String(a)
			}
			start := time.Now()
			resp, err := cliclient.Call(target, timeoutFlag, args[0], wireArgs...)
			elapsed := time.Since(start)
			if err != nil {
				return err
			}
			if err := cliclient.RenderResponse(os.Stdout, resp, jsonFlag); err != nil {
				return err
			}
			if verboseFlag {
				cliclient.RenderLatency(os.Stdout, elapsed)
			}
			if replFlag {
				return runRepl(target)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Force JSON output even on a terminal")
	cmd.Flags().BoolVar(&replFlag, "repl", false, "After the first command, keep reading further commands from stdin")
	cmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Report round-trip latency after the response")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// runRepl reads whitespace-separated "command arg arg..." lines from
// stdin and issues each as a one-shot Call, matching the teacher's
// cmd/cw interactive prompt loop but over this protocol's commands
// instead of shell pty input. Only entered when stdin is actually an
// interactive terminal — piped/redirected stdin falls through without
// printing a prompt.
func runRepl(target *cliclient.Target) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stdout, "fswatchd> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		fields := strings.Fields(line)
		args := make([]wire.Value, len(fields)-1)
		for i, a := range fields[1:] {
			args[i] = wire.String(a)
		}
		start := time.Now()
		resp, err := cliclient.Call(target, timeoutFlag, fields[0], args...)
		elapsed := time.Since(start)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if err := cliclient.RenderResponse(os.Stdout, resp, jsonFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		if verboseFlag {
			cliclient.RenderLatency(os.Stdout, elapsed)
		}
	}
}

// ---------------------------------------------------------------------------
// watchCmd / findCmd — the two commands a new user reaches for first
// ---------------------------------------------------------------------------

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Start watching a directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			resp, err := cliclient.Call(target, timeoutFlag, "watch", wire.String(args[0]))
			if err != nil {
				return err
			}
			return cliclient.RenderResponse(os.Stdout, resp, jsonFlag)
		},
	}
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Force JSON output even on a terminal")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func findCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <path>",
		Short: "List every known file under a watched root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			resp, err := cliclient.Call(target, timeoutFlag, "find", wire.String(args[0]))
			if err != nil {
				return err
			}
			return cliclient.RenderResponse(os.Stdout, resp, jsonFlag)
		},
	}
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Force JSON output even on a terminal")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// ---------------------------------------------------------------------------
// versionCmd
// ---------------------------------------------------------------------------

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon protocol version this client speaks",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(dispatch.Version)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func resolveTarget() (*cliclient.Target, error) {
	sock := sockFlag
	if sock == "" {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return nil, err
		}
		sock = cfg.SockPath
	}
	return &cliclient.Target{SockPath: sock}, nil
}
