package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mnsl/meh/internal/api"
	"github.com/mnsl/meh/internal/chat"
	"github.com/mnsl/meh/internal/logging"
	"github.com/mnsl/meh/internal/node"
	"github.com/mnsl/meh/internal/seen"
	"github.com/mnsl/meh/internal/stats"
	"github.com/mnsl/meh/internal/transport"
)

// ─── daemon ──────────────────────────────────────────────────────────────────

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Join the mesh and open the interactive console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dataDir, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(dataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := resolveUsername(&cfg, st); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, closer, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()
		slog.SetDefault(logger)

		tr := transport.NewTCP(transport.TCPConfig{
			Listen:    cfg.Listen,
			Name:      cfg.Username,
			Bootstrap: cfg.Bootstrap,
			Logger:    logger,
		})
		n, err := node.New(node.Config{
			Name:             cfg.Username,
			Transport:        tr,
			Logger:           logger,
			ScanTimeout:      cfg.ScanTimeout.Duration,
			ScanInterval:     cfg.ScanInterval.Duration,
			MetadataInterval: cfg.MetadataInterval.Duration,
			PollInterval:     cfg.PollInterval.Duration,
			AckExpiry:        cfg.AckExpiry.Duration,
			Dedup: seen.Config{
				Capacity: cfg.Dedup.Capacity,
				Expiry:   cfg.Dedup.Expiry.Duration,
			},
		})
		if err != nil {
			return err
		}

		hist := chat.NewHistory(cfg.Username, st, logger)
		statLog := stats.NewLog(cfg.Username)
		for _, o := range []node.Observer{hist, statLog, printer(os.Stdout)} {
			defer n.Subscribe(o)()
		}

		if err := n.Start(); err != nil {
			return err
		}
		defer n.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		if cfg.API != "" {
			srv := api.New(api.Config{Engine: n, History: hist, Stats: statLog, Logger: logger})
			g.Go(func() error { return srv.Serve(gctx, cfg.API) })
		}

		fmt.Printf("\n  meh · store-and-forward mesh messenger\n\n")
		fmt.Printf("  Username  : %s\n", cfg.Username)
		fmt.Printf("  Listening : %s\n", tr.Addr())
		if cfg.API != "" {
			fmt.Printf("  API       : http://%s\n", cfg.API)
		}
		fmt.Printf("  Data      : %s\n", dataDir)
		if len(cfg.Bootstrap) > 0 {
			fmt.Printf("  Bootstrap : %s\n", strings.Join(cfg.Bootstrap, ", "))
		}
		fmt.Printf("\n  Type 'help' for commands.\n\n")

		con := &console{ctx: gctx, eng: n, hist: hist, stats: statLog, out: os.Stdout, gap: pingGap}
		go con.run(os.Stdin)

		<-gctx.Done()
		fmt.Println("\nShutting down.")
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
