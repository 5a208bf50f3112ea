package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mnsl/meh/internal/config"
	"github.com/mnsl/meh/internal/logging"
	"github.com/mnsl/meh/internal/store"
)

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".meh")
}

var rootCmd = &cobra.Command{
	Use:   "meh",
	Short: "Store-and-forward mesh messenger.",
	Long: `meh relays short messages across a mesh of nearby nodes.

There is no server and no guaranteed path. Every node floods what it cannot
deliver directly, keeps an outbox for neighbours that poll it, and
acknowledges what reaches it so senders learn the round-trip latency.`,
	SilenceUsage: true,
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// loadConfig reads <data>/meh.toml and applies any flags set on cmd.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	dataDir, _ := cmd.Flags().GetString("data")
	cfg, err := config.Load(config.Path(dataDir))
	if err != nil {
		return config.Config{}, dataDir, err
	}
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Username, _ = flags.GetString("name")
	}
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("bootstrap") {
		cfg.Bootstrap, _ = flags.GetStringSlice("bootstrap")
	}
	if flags.Changed("api") {
		cfg.API, _ = flags.GetString("api")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if cfg.Log.File != "" && !filepath.IsAbs(cfg.Log.File) {
		cfg.Log.File = filepath.Join(dataDir, cfg.Log.File)
	}
	return cfg, dataDir, nil
}

// resolveUsername fills cfg.Username from the store when neither the file
// nor the flags set one.
func resolveUsername(cfg *config.Config, st *store.Store) error {
	if cfg.Username != "" {
		return nil
	}
	name, err := st.Username()
	if errors.Is(err, store.ErrNotFound) {
		return config.ErrNoUsername
	}
	if err != nil {
		return err
	}
	cfg.Username = name
	return nil
}

func openStore(dataDir string) (*store.Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	st, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	incoming = color.New(color.FgCyan, color.Bold).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
)

// ─── username ────────────────────────────────────────────────────────────────

var usernameCmd = &cobra.Command{
	Use:   "username [name]",
	Short: "Show or set this device's username",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		st, err := openStore(dataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 0 {
			name, err := st.Username()
			if errors.Is(err, store.ErrNotFound) {
				fmt.Println("No username set. Run 'meh username <name>'.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		}
		if err := st.SetUsername(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Username set to '%s'\n", okMark("✓"), args[0])
		return nil
	},
}

// ─── history ─────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history [peer]",
	Short: "Print archived conversations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		st, err := openStore(dataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 0 {
			peers := st.Peers()
			if len(peers) == 0 {
				fmt.Println("No conversations yet.")
				return nil
			}
			fmt.Println(strings.Join(peers, "\n"))
			return nil
		}
		entries, err := st.Conversation(args[0])
		if err != nil {
			return err
		}
		renderEntries(os.Stdout, entries)
		return nil
	},
}

// ─── config ──────────────────────────────────────────────────────────────────

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return cfg.Dump(os.Stdout)
	},
}

func init() {
	dd := defaultDataDir()

	for _, cmd := range []*cobra.Command{daemonCmd, usernameCmd, historyCmd, configDumpCmd} {
		cmd.Flags().String("data", dd, "Data directory (~/.meh)")
	}
	for _, cmd := range []*cobra.Command{daemonCmd, configDumpCmd} {
		cmd.Flags().String("name", "", "Username (overrides the stored one)")
		cmd.Flags().String("listen", "", "TCP listen address for peer connections")
		cmd.Flags().StringSlice("bootstrap", []string{}, "Peer addresses to dial (host:port)")
		cmd.Flags().String("api", "", "HTTP API address (empty disables)")
		cmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	}

	configCmd.AddCommand(configDumpCmd)
	rootCmd.AddCommand(daemonCmd, usernameCmd, historyCmd, configCmd)

	if !logging.IsTerminal(os.Stdout) {
		color.NoColor = true
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, warnMark("error:"), err)
		os.Exit(1)
	}
}
