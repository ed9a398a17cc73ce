package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/rmsync/internal/client"
	"github.com/marcus-qen/rmsync/internal/events"
	"github.com/marcus-qen/rmsync/internal/protocol"
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringSlice("prefix", nil, "event kind prefix (repeatable; empty for all)")
	tailCmd.Flags().Int("replay", -1, "replay the last N events on connect")
	tailCmd.Flags().Bool("json", false, "print envelopes as JSON")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print raw stream envelopes",
	Args:  cobra.NoArgs,
	RunE:  runTail,
}

// tailFilter matches any of prefixes, or everything when none are given.
func tailFilter(prefixes []string) events.Filter {
	if len(prefixes) == 0 {
		return events.All()
	}
	if len(prefixes) == 1 {
		return events.Prefix(prefixes[0])
	}
	fs := make([]events.Filter, len(prefixes))
	for i, p := range prefixes {
		fs[i] = events.Prefix(p)
	}
	return events.Predicate(func(_ protocol.Kind, env protocol.Envelope) bool {
		for _, f := range fs {
			if f.Match(env) {
				return true
			}
		}
		return false
	})
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	prefixes, _ := cmd.Flags().GetStringSlice("prefix")
	replay, _ := cmd.Flags().GetInt("replay")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg.Models = nil
	cfg.ResyncSchedule = ""
	if len(prefixes) > 0 {
		cfg.Prefixes = prefixes
	}
	if replay >= 0 {
		cfg.Replay = replay
	}

	c, err := client.New(cfg, client.WithLogger(logger))
	if err != nil {
		return err
	}
	s, err := c.Broker().SubscribeStream(tailFilter(cfg.Prefixes), 256)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.C:
			if asJSON {
				if err := enc.Encode(env); err != nil {
					return fmt.Errorf("encode envelope: %w", err)
				}
				continue
			}
			fmt.Fprintln(out, formatEnvelope(env))
		}
	}
}
