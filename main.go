package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"drds/config"
	"drds/crypto"
	"drds/discovery"
	"drds/index"
	"drds/network"
	"drds/node"
	"drds/storage"
	"drds/watcher"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

var (
	dataDir string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "drds",
		Short:         "LAN file replication between devices of the same user",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (defaults to $"+config.DataDirEnv+" or the OS config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		runCmd(),
		historyCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	if dataDir != "" {
		return config.LoadOrCreateAt(dataDir)
	}
	return config.LoadOrCreate()
}

func runCmd() *cobra.Command {
	var (
		username string
		port     int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the LAN and keep the user's directory in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(username, port)
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "username to log in as (saved to config)")
	cmd.Flags().IntVar(&port, "port", 0, "fixed listening port (overrides config)")
	return cmd
}

func run(username string, port int) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if username == "" {
		username = cfg.Username
	}
	if err := config.ValidateUsername(username); err != nil {
		return fmt.Errorf("%w (pass --user)", err)
	}
	if cfg.Username != username {
		cfg.Username = username
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg.LogLevel, verbose)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	peerID := uuid.NewString()
	logger = logger.With(zap.String("peer_id", peerID))
	root := cfg.UserRoot(username)

	ix, err := index.New(root, index.Options{
		Logger:             logger.Named("index"),
		MaxReceivedEntries: cfg.MaxReceivedEntries,
	})
	if err != nil {
		return err
	}
	files, err := ix.Rescan()
	if err != nil {
		return err
	}

	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	listenAddress := ":0"
	switch {
	case port > 0:
		listenAddress = fmt.Sprintf(":%d", port)
	case cfg.PortMode == config.PortModeFixed:
		listenAddress = fmt.Sprintf(":%d", cfg.ListeningPort)
	}
	netOpts := network.Options{LocalPeerID: peerID, ChunkSize: cfg.ChunkSize}
	server, err := network.Listen(listenAddress, netOpts)
	if err != nil {
		return err
	}
	defer func() {
		_ = server.Close()
	}()

	scope, scopeCloser := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "drds",
		Reporter: newLogReporter(logger.Named("metrics")),
	}, time.Minute)
	defer func() {
		_ = scopeCloser.Close()
	}()

	n, err := node.New(node.Options{
		Username:    username,
		LocalPeerID: peerID,
		Index:       ix,
		Dialer:      network.Dialer{Options: netOpts},
		Store:       store,
		Logger:      logger.Named("node"),
		Stats:       scope,
		OnUserListChanged: func(usernames []string) {
			fmt.Printf("online users: %s\n", formatUsers(usernames))
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = n.Close()
	}()

	w, err := watcher.Start(root, watcher.Options{
		SettleDelay: cfg.SettleDelay(),
		Logger:      logger.Named("watcher"),
	})
	if err != nil {
		return err
	}
	defer w.Stop()

	sources := node.Sources{
		Incoming: server.Incoming(),
		Watch:    w.Events(),
	}

	discoveryService, err := discovery.Start(discovery.Config{
		Service:       cfg.ServiceName,
		SelfPeerID:    peerID,
		DeviceName:    cfg.DeviceName,
		ListeningPort: server.Port(),
		Logger:        logger.Named("discovery"),
	})
	if err != nil {
		logger.Warn("discovery startup failed", zap.Error(err))
	} else {
		defer discoveryService.Stop()
		sources.Discovery = discoveryService.Scanner.Events()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logServerErrors(ctx, logger, server.Errors())

	fmt.Printf("User:            %s\n", username)
	fmt.Printf("Peer ID:         %s\n", peerID)
	fmt.Printf("Root:            %s (%d files)\n", root, files)
	fmt.Printf("Listening Port:  %d\n", server.Port())
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Println("Type 'help' for commands.")

	served := make(chan error, 1)
	go func() {
		served <- n.Serve(ctx, sources)
	}()

	go runConsole(ctx, stop, os.Stdin, os.Stdout, n, discoveryService)

	<-ctx.Done()
	fmt.Println("shutting down")
	if err := <-served; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logServerErrors(ctx context.Context, logger *zap.Logger, errs <-chan error) {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.Warn("inbound connection failed", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func historyCmd() *cobra.Command {
	var (
		limit     int
		direction string
		status    string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent file transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			store, _, err := storage.Open(filepath.Dir(cfgPath))
			if err != nil {
				return err
			}
			defer store.Close()

			filter := storage.TransferFilter{
				Direction: direction,
				Status:    status,
				Limit:     limit,
			}
			transfers, err := store.ListTransfers(filter)
			if err != nil {
				return err
			}
			total, err := store.CountTransfers(filter)
			if err != nil {
				return err
			}
			if len(transfers) == 0 {
				fmt.Println("no transfers recorded")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tDIRECTION\tSTATUS\tBYTES\tCHECKSUM\tPEER\tPATH")
			for _, t := range transfers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					time.UnixMilli(t.StartedAt).Format(time.DateTime),
					t.Direction,
					t.Status,
					t.BytesTransferred,
					crypto.ShortChecksum(t.Checksum),
					shortID(t.PeerID),
					t.Path)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d of %d transfers\n", len(transfers), total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	cmd.Flags().StringVar(&direction, "direction", "", "send or receive")
	cmd.Flags().StringVar(&status, "status", "", "pending, complete or failed")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s\n", cfgPath, raw)
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
