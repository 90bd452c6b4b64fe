package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"parley/internal/api"
	"parley/internal/config"
	"parley/internal/engine"
	"parley/internal/logging"
	"parley/internal/pathindex"
	"parley/internal/ruleeval"
	"parley/internal/store"
	"parley/internal/types"
)

var (
	verbose    bool
	configPath string

	logger *zap.Logger
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "parley - dynamic interview engine",
	Long: `parley drives multi-step, data-driven interview forms against a
remote decision service. Derived attributes are resolved locally when
the session carries a rule graph, falling back to per-goal remote
simulation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [model]",
	Short: "Drive an interview from the terminal",
	Long: `Creates a session for the given interview model and steps through
it interactively. Enter field=value to set an attribute, "next"/"back"
to navigate, "goto <step>" to jump, "chat <message>" to converse, and
"quit" to exit.`,
	Args: cobra.ExactArgs(1),
	RunE: runInterview,
}

var exportCmd = &cobra.Command{
	Use:   "export [session-id]",
	Short: "Fetch and print a session's timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  exportTimeline,
}

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List locally stored checkpoints for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  showHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the parley version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("parley %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".parley/config.yaml", "path to the config file")
	rootCmd.AddCommand(runCmd, exportCmd, historyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildEngine wires the configured collaborators into an engine. The
// returned cleanup closes everything the wiring opened.
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	client := api.NewClient(api.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Timeout: cfg.API.RequestTimeout(),
	})

	loader := ruleeval.NewScriptLoader(client.GetRulesEngine)
	var closers []func()
	if cfg.Rules.ScriptOverridePath != "" && cfg.Rules.WatchOverride {
		watcher, err := ruleeval.NewScriptWatcher(cfg.Rules.ScriptOverridePath, loader)
		if err != nil {
			logger.Warn("script watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("script watcher failed to start", zap.Error(err))
		} else {
			closers = append(closers, func() { _ = watcher.Close() })
		}
	}

	var checkpoints engine.Checkpointer
	if cfg.Store.DatabasePath != "" {
		st, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session store: %w", err)
		}
		checkpoints = st
		closers = append(closers, func() { _ = st.Close() })
	}

	eng := engine.New(engine.Options{
		API:      client,
		Loader:   loader,
		Store:    checkpoints,
		Debounce: cfg.Engine.Debounce(),
	})
	cleanup := func() {
		eng.Close()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return eng, cleanup, nil
}

func runInterview(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Initialize("."); err != nil {
		logger.Warn("file logging unavailable", zap.Error(err))
	}

	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if err := eng.Create(ctx, types.SessionConfig{Model: args[0]}); err != nil {
		return err
	}
	printScreen(eng.GetSnapshot(), eng.CanProgress())

	scanner := bufio.NewScanner(os.Stdin)
	pending := make(types.AttributeValues)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "quit" || line == "exit":
			return nil
		case line == "next":
			if err := eng.Next(ctx, pending); err != nil {
				fmt.Fprintf(os.Stderr, "next failed: %v\n", err)
				continue
			}
			pending = make(types.AttributeValues)
		case line == "back":
			if err := eng.Back(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "back failed: %v\n", err)
				continue
			}
			pending = make(types.AttributeValues)
		case line == "inspect":
			inspectData(eng.GetSnapshot())
			continue
		case strings.HasPrefix(line, "goto "):
			if err := eng.Navigate(ctx, strings.TrimSpace(strings.TrimPrefix(line, "goto "))); err != nil {
				fmt.Fprintf(os.Stderr, "navigate failed: %v\n", err)
				continue
			}
		case strings.HasPrefix(line, "chat "):
			resp, err := eng.Chat(ctx, strings.TrimPrefix(line, "chat "), "", nil, "")
			if err != nil {
				fmt.Fprintf(os.Stderr, "chat failed: %v\n", err)
				continue
			}
			fmt.Println(resp.Message)
			continue
		case strings.Contains(line, "="):
			parts := strings.SplitN(line, "=", 2)
			key, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			pending[key] = value
			eng.OnScreenDataChange(ctx, types.AttributeValues{key: value})
		default:
			fmt.Fprintf(os.Stderr, "unrecognized input %q\n", line)
			continue
		}
		printScreen(eng.GetSnapshot(), eng.CanProgress())
	}
}

func exportTimeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if err := eng.Load(ctx, types.SessionConfig{SessionID: args[0]}); err != nil {
		return err
	}
	payload, err := eng.ExportTimeline(ctx)
	if err != nil {
		return err
	}
	fmt.Println(payload)
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Store.DatabasePath == "" {
		return fmt.Errorf("no session store configured")
	}
	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	history, err := st.History(args[0])
	if err != nil {
		return err
	}
	for _, cp := range history {
		fmt.Printf("%s  %-20s %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.ScreenID, cp.Model)
	}
	return nil
}

func printScreen(snap *types.Snapshot, canProgress bool) {
	if snap == nil || snap.Session == nil {
		return
	}
	if snap.Status == types.StatusError {
		fmt.Fprintf(os.Stderr, "error: %v\n", snap.Err)
		return
	}
	screen := snap.Session.Screen
	fmt.Printf("\n== %s", screen.ID)
	if screen.Title != "" {
		fmt.Printf(" - %s", screen.Title)
	}
	fmt.Println(" ==")
	types.IterateControls(screen.Controls, false, func(c *types.Control) {
		if c.IsContainer() || c.Kind == types.ControlInterview {
			return
		}
		text := c.RenderedText
		if text == "" {
			text = c.Text
		}
		switch c.Kind {
		case types.ControlLabel:
			fmt.Printf("  %s\n", text)
		default:
			fmt.Printf("  [%s] %s", c.Attribute, text)
			if c.Value != nil {
				fmt.Printf(" = %v", c.Value)
			}
			fmt.Println()
		}
	})
	if canProgress {
		fmt.Println("(next available)")
	}
}

// inspectData dumps the session's flattened data document, a debug aid
// for checking what the resolver sees.
func inspectData(snap *types.Snapshot) {
	if snap == nil || snap.Session == nil {
		return
	}
	flat := pathindex.Flatten(snap.Session.Data)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s = %v\n", k, flat[k])
	}
}
