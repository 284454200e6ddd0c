package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/roomsync/internal/client"
	"pkt.systems/roomsync/schema"
)

type peerOptions struct {
	serverURL string
	roomID    string
	roomType  string
	name      string
	clientID  string
	sets      []string
	deletes   []string
	duration  time.Duration
}

func newPeerCmd() *cobra.Command {
	var opts peerOptions
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a room, apply edits and print the shared state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.roomID == "" {
				return errors.New("--room is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			return runPeer(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.serverURL, "url", defaultServerURL, "server base URL")
	cmd.Flags().StringVar(&opts.roomID, "room", "", "room id")
	cmd.Flags().StringVar(&opts.roomType, "type", "", "room type (server default when empty)")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name announced through awareness")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "awareness client id (random when empty)")
	cmd.Flags().StringArrayVar(&opts.sets, "set", nil, "key=value to write after joining (repeatable)")
	cmd.Flags().StringArrayVar(&opts.deletes, "delete", nil, "key to delete after joining (repeatable)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "leave after this long; zero stays until interrupted")
	return cmd
}

func parseSets(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q; expected key=value", value)
		}
		out[key] = val
	}
	return out, nil
}

func runPeer(ctx context.Context, out io.Writer, opts peerOptions) error {
	sets, err := parseSets(opts.sets)
	if err != nil {
		return err
	}
	log := pslog.Ctx(ctx)
	c, err := client.Dial(ctx, client.Config{
		URL:      opts.serverURL,
		Room:     opts.roomID,
		Type:     opts.roomType,
		ClientID: opts.clientID,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	if opts.name != "" {
		if err := c.SetAwareness(map[string]string{"name": opts.name}); err != nil {
			return err
		}
	}
	keys := make([]string, 0, len(sets))
	for key := range sets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := c.Set(key, []byte(sets[key])); err != nil {
			return err
		}
	}
	for _, key := range opts.deletes {
		if err := c.Delete(key); err != nil {
			return err
		}
	}
	log.Info("peer joined", "room", opts.roomID, "client", string(c.ClientID()), "sets", len(sets), "deletes", len(opts.deletes))

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return <-runErr
		case <-c.Updates():
			if err := enc.Encode(peerEvent{Kind: "state", State: stateOf(c)}); err != nil {
				return err
			}
		case users := <-c.Awareness():
			if err := enc.Encode(peerEvent{Kind: "awareness", Users: users}); err != nil {
				return err
			}
		case err := <-runErr:
			return err
		}
	}
}

type peerEvent struct {
	Kind  string                  `json:"kind"`
	State map[string]string       `json:"state,omitempty"`
	Users []schema.AwarenessEntry `json:"users,omitempty"`
}

func stateOf(c *client.Client) map[string]string {
	replica := c.Replica()
	out := make(map[string]string)
	for _, key := range replica.Keys() {
		if value, ok := replica.Get(key); ok {
			out[key] = string(value)
		}
	}
	return out
}
