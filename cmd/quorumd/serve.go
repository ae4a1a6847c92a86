package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"quorumd/internal/pubsub"
	"quorumd/internal/raft"
	"quorumd/internal/raft/server"
	"quorumd/internal/raft/state_machine"
	"quorumd/internal/raft/storage"
	"quorumd/internal/raft/transport"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one server of the replicated group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "quorumd.yaml", "path to the server configuration")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}
	raftCfg, err := cfg.raftConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, fmt.Sprintf("%s-%s.db", cfg.Group, cfg.Server.ID))
	store, err := storage.NewBboltStorage(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	trans := transport.NewGRPCTransport()
	defer trans.Close()

	bus := pubsub.NewBus()
	host := server.NewServer(raft.ServerID(cfg.Server.ID), raft.ServerAddress(cfg.Server.Address), raftCfg, bus)

	group, err := server.NewGroup(server.GroupOptions{
		ID:           raft.GroupID(cfg.Group),
		ServerID:     raft.ServerID(cfg.Server.ID),
		Address:      raft.ServerAddress(cfg.Server.Address),
		Storage:      store,
		StateMachine: state_machine.NewKVStateMachine(),
		Transport:    trans,
		Bus:          bus,
		Bootstrap:    cfg.bootstrap(),
		Config:       raftCfg,
	})
	if err != nil {
		return err
	}
	if err := host.AddGroup(group); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Address, err)
	}
	grpcServer := transport.NewGRPCServer(host)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		host.Close()
		return err
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
		grpcServer.GracefulStop()
		return host.Close()
	}
}
