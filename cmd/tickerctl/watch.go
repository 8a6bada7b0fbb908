package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/tickerpulse/internal/app"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/pscheid92/tickerpulse/internal/platform/version"
	"github.com/pscheid92/tickerpulse/internal/socket"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var (
		url     string
		token   string
		symbols string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream price updates and notifications until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return fmt.Errorf("--token or TICKERPULSE_TOKEN is required")
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), url, token, splitSymbols(symbols))
		},
	}

	cmd.Flags().StringVar(&url, "url", envOr("TICKERPULSE_URL", "ws://localhost:8080/ws"), "WebSocket endpoint")
	cmd.Flags().StringVar(&token, "token", envOr("TICKERPULSE_TOKEN", ""), "access token")
	cmd.Flags().StringVar(&symbols, "symbols", "AAPL", "comma-separated symbols to subscribe to")
	return cmd
}

func watch(ctx context.Context, out io.Writer, url, token string, symbols []string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", version.UserAgent("tickerctl"))

	dial := func(ctx context.Context) (socket.Transport, error) {
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", url, err)
		}
		return ws, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := socket.Dial(dialCtx, dial, socket.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var mu sync.Mutex
	show := func(event string, data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s %s\n", event, data)
	}

	// The server sends authenticated once per transport, so subscriptions are
	// restored after every reconnect.
	conn.On(app.EventAuthenticated, func(_ context.Context, c *socket.Conn, ev socket.Event) (any, error) {
		show(ev.Name, ev.Data)
		go subscribe(ctx, c, symbols, show)
		return nil, nil
	})
	for _, name := range []string{app.EventUnauthorized, domain.EventStockUpdate, domain.EventNotification, "error"} {
		conn.On(name, func(_ context.Context, _ *socket.Conn, ev socket.Event) (any, error) {
			show(ev.Name, ev.Data)
			return nil, nil
		})
	}
	conn.OnStateChange(func(from, to socket.State) {
		slog.Info("Connection state changed", "from", from, "to", to)
	})

	if err := conn.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-conn.Done():
		return fmt.Errorf("connection closed")
	}
}

func subscribe(ctx context.Context, c *socket.Conn, symbols []string, show func(string, json.RawMessage)) {
	for _, symbol := range symbols {
		ackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		raw, err := c.EmitWithAck(ackCtx, app.EventStockSubscribe, map[string]string{"symbol": symbol})
		cancel()
		if err != nil {
			slog.Warn("Subscribe failed", "symbol", symbol, "error", err)
			continue
		}
		show(app.EventStockSubscribe, raw)
	}
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}
