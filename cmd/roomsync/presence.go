package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/roomsync/internal/client"
)

const defaultServerURL = "http://localhost:27490"

func newPresenceCmd() *cobra.Command {
	var serverURL string
	var roomID string
	var roomType string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Print who is present in a room without joining it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if roomID == "" {
				return errors.New("--room is required")
			}
			httpClient := &http.Client{Timeout: 10 * time.Second}
			return pollPresence(cmd.Context(), cmd.OutOrStdout(), httpClient, serverURL, roomID, roomType, interval)
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "server base URL")
	cmd.Flags().StringVar(&roomID, "room", "", "room id")
	cmd.Flags().StringVar(&roomType, "type", "", "room type (server default when empty)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval; zero prints once")
	return cmd
}

func pollPresence(ctx context.Context, out io.Writer, httpClient *http.Client, serverURL, roomID, roomType string, interval time.Duration) error {
	enc := json.NewEncoder(out)
	for {
		presence, err := client.FetchPresence(ctx, httpClient, serverURL, roomID, roomType)
		if err != nil {
			return err
		}
		if err := enc.Encode(presence); err != nil {
			return err
		}
		if interval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
