package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcus-qen/rmsync/internal/client"
	"github.com/marcus-qen/rmsync/internal/events"
	"github.com/marcus-qen/rmsync/internal/protocol"
	"github.com/marcus-qen/rmsync/internal/readmodel"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("id", "", "read model id (required)")
	watchCmd.Flags().Bool("json", false, "print the full snapshot as JSON")
	watchCmd.Flags().Bool("once", false, "fetch the snapshot once and exit")
	watchCmd.Flags().String("last-event-id", "", "resume the stream after this event id")
	watchCmd.Flags().String("filter", "", "JSON pointer selecting part of the snapshot")
	_ = watchCmd.MarkFlagRequired("id")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print a read model on every update",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

type watchPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
	filter string
	last   string
}

// print writes one line per distinct view of the snapshot.
func (p *watchPrinter) print(id string, snap *readmodel.Value) error {
	view, err := selectView(snap, p.filter)
	if err != nil {
		return err
	}
	var line string
	switch {
	case p.asJSON:
		data, err := json.Marshal(view)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		line = string(data)
	case p.filter != "":
		line = fmt.Sprintf("%s%s = %s", id, p.filter, view)
	default:
		line = summarize(id, view)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return nil
	}
	p.last = line
	_, err = fmt.Fprintln(p.out, line)
	return err
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	id, _ := cmd.Flags().GetString("id")
	asJSON, _ := cmd.Flags().GetBool("json")
	once, _ := cmd.Flags().GetBool("once")
	lastID, _ := cmd.Flags().GetString("last-event-id")
	filter, _ := cmd.Flags().GetString("filter")

	cfg.Models = []string{id}
	// Patches are all watch needs.
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = []string{"state."}
	}

	c, err := client.New(cfg, client.WithLogger(logger), client.WithLastEventID(lastID))
	if err != nil {
		return err
	}
	printer := &watchPrinter{out: cmd.OutOrStdout(), asJSON: asJSON, filter: filter}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if once {
		snap, err := c.Fetcher().Fetch(ctx, id)
		if err != nil {
			return err
		}
		return printer.print(id, snap)
	}

	if _, err := c.Store().Subscribe(id, func(id string, snap *readmodel.Value) {
		if err := printer.print(id, snap); err != nil {
			logger.Warn("render snapshot", zap.String("read_model", id), zap.Error(err))
		}
	}); err != nil {
		return err
	}
	status, err := c.Broker().SubscribeStream(events.Prefix(string(protocol.KindStatus)), 16)
	if err != nil {
		return err
	}
	defer status.Close()

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "watching %s; press Ctrl-C to exit\n", id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-status.C:
			fmt.Fprintln(stderr, c.Indicator(time.Now()))
		}
	}
}
