package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quorumd/internal/raft"
	"quorumd/internal/raft/transport"
)

type clientFlags struct {
	server  string
	group   string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.server, "server", "s", "127.0.0.1:7001", "address of any cluster member")
	cmd.Flags().StringVarP(&f.group, "group", "g", "default", "replicated group to address")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request deadline")
}

func newSubmitCmd() *cobra.Command {
	flags := &clientFlags{}
	var clientID string
	var callID uint64

	cmd := &cobra.Command{
		Use:   "submit <command>",
		Short: "Submit a command, e.g. 'SET key=value' or 'DEL key'",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientID == "" {
				clientID = string(raft.NewClientID())
			}
			client, err := transport.Dial(raft.ServerAddress(flags.server))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			resp, err := client.Submit(ctx, &raft.SubmitRequest{
				GroupID:  raft.GroupID(flags.group),
				ClientID: raft.ClientID(clientID),
				CallID:   callID,
				Command:  []byte(strings.Join(args, " ")),
			})
			if err != nil {
				return err
			}
			return printOutcome(resp.Status, resp.LeaderHint, resp.Result, resp.Message)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&clientID, "client-id", "", "stable client identity (random if unset)")
	cmd.Flags().Uint64Var(&callID, "call-id", 0, "call sequence number for retry deduplication")
	return cmd
}

func newReadCmd() *cobra.Command {
	flags := &clientFlags{}
	var linearizable bool

	cmd := &cobra.Command{
		Use:   "read <query>",
		Short: "Run a query, e.g. 'GET key' or 'KEYS'",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := transport.Dial(raft.ServerAddress(flags.server))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			resp, err := client.Read(ctx, &raft.ReadRequest{
				GroupID:      raft.GroupID(flags.group),
				Query:        []byte(strings.Join(args, " ")),
				Linearizable: linearizable,
			})
			if err != nil {
				return err
			}
			return printOutcome(resp.Status, resp.LeaderHint, resp.Result, resp.Message)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&linearizable, "linearizable", true, "serve the read through the leader with leadership confirmation")
	return cmd
}

func newMemberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Inspect or change group membership",
	}
	cmd.AddCommand(newMemberSetCmd())
	return cmd
}

func newMemberSetCmd() *cobra.Command {
	flags := &clientFlags{}

	cmd := &cobra.Command{
		Use:   "set <id=address> [id=address ...]",
		Short: "Replace the group's peer set (joint consensus)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peers := make([]raft.Peer, 0, len(args))
			for _, arg := range args {
				pair := strings.SplitN(arg, "=", 2)
				if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
					return fmt.Errorf("peer %q must be id=address", arg)
				}
				peers = append(peers, raft.Peer{
					ID:      raft.ServerID(pair[0]),
					Address: raft.ServerAddress(pair[1]),
				})
			}

			client, err := transport.Dial(raft.ServerAddress(flags.server))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			resp, err := client.SetConfiguration(ctx, &raft.SetConfigurationRequest{
				GroupID: raft.GroupID(flags.group),
				Peers:   peers,
			})
			if err != nil {
				return err
			}
			return printOutcome(resp.Status, resp.LeaderHint, nil, resp.Message)
		},
	}
	flags.register(cmd)
	return cmd
}

func printOutcome(status raft.ClientStatus, hint raft.ServerAddress, result []byte, message string) error {
	switch status {
	case raft.StatusOK:
		if len(result) > 0 {
			fmt.Println(string(result))
		} else {
			fmt.Println("OK")
		}
		return nil
	case raft.StatusNotLeader:
		if hint != "" {
			return fmt.Errorf("not the leader, retry against %s", hint)
		}
		return fmt.Errorf("not the leader and no leader is known yet")
	case raft.StatusConfChangeInProgress:
		return fmt.Errorf("a membership change is already in progress")
	case raft.StatusTimeout:
		return fmt.Errorf("request timed out: %s", message)
	default:
		return fmt.Errorf("request failed: %s", message)
	}
}
