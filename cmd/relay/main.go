package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chatrelay/internal/config"
	"chatrelay/internal/logging"
	"chatrelay/internal/registry"
	"chatrelay/internal/store"
	"chatrelay/internal/telemetry"
	"chatrelay/internal/tenant"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger

	cfg config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "chatrelay - multi-tenant browser relay engine",
	Long: `chatrelay runs one controlled browser per tenant against the chat
platform, taps its websocket through CDP, and replies to matching
events exactly once per object.

The browser authenticates itself; the engine only observes frames,
evaluates the tenant's rules, and posts replies over the REST API
with pre-generated idempotency nonces.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return logging.Initialize(cfg.DataDir, logging.Options{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the tenant fleet.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay engine for every configured tenant",
	Long: `Starts one browser session per configured tenant and blocks until
interrupted. SIGINT/SIGTERM stop every tenant cleanly.`,
	RunE: runEngine,
}

// listCmd prints the persisted tenants.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known tenants and their persisted state",
	RunE:  listTenants,
}

func runEngine(cmd *cobra.Command, args []string) error {
	telemetry.Init()

	st, err := store.Open(cfg.DocumentsPath())
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := tenant.NewManager(cfg, st, registry.New())
	logger.Info("engine starting",
		zap.Int("tenants", len(cfg.Tenants)),
		zap.String("app_url", cfg.Platform.AppURL))

	err = mgr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("engine stopped")
		return nil
	}
	return err
}

func listTenants(cmd *cobra.Command, args []string) error {
	st, err := store.Open(cfg.DocumentsPath())
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer st.Close()

	known, err := st.Tenants()
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	configured := make(map[string]bool, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		configured[tc.ID] = true
		if !contains(known, tc.ID) {
			known = append(known, tc.ID)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tUSERNAME\tENABLED\tCONFIGURED")
	for _, id := range known {
		ten, err := tenant.Load(st, id)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", id, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\n",
			id, profileUsername(st, id), ten.Enabled(), configured[id])
	}
	return w.Flush()
}

func profileUsername(st store.Store, tenantID string) string {
	doc, err := st.Load(tenantID, store.KeyProfile)
	if err != nil {
		return "-"
	}
	var profile struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(doc, &profile); err != nil || profile.Username == "" {
		return "-"
	}
	return profile.Username
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
}
