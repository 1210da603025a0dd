package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/chatsync/chatsync"
	"github.com/vovakirdan/chatsync/chatsync/rest"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join a chat and send stdin lines as messages",
	Long: `Connects to the chat server and sends each stdin line as a message.

Commands:
  /who          list online users
  /ask PROMPT   ask the assist service
  /quit         leave`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().String("url", "", "websocket URL (overrides config)")
	connectCmd.Flags().String("token", "", "bearer token (overrides config)")
	connectCmd.Flags().String("user-id", "", "user id; read from the token or --api-url when empty")
	connectCmd.Flags().String("user-name", "", "display name")
	connectCmd.Flags().String("api-url", "", "REST base URL used to resolve identity and, by default, assist")
	connectCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		cfg.URL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	}
	apiURL, _ := cmd.Flags().GetString("api-url")
	if cfg.AssistURL == "" {
		cfg.AssistURL = apiURL
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity, err := resolveIdentity(ctx, cmd, cfg, apiURL)
	if err != nil {
		return err
	}

	logger := newLogger(cmd)
	opts := []chatsync.Option{chatsync.WithLogger(chatsync.NewSlogLogger(logger))}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
		srv := serveMetrics(addr, reg, logger)
		defer srv.Close()
	}
	session, err := chatsync.NewSession(cfg, identity, opts...)
	if err != nil {
		return err
	}
	defer session.Close()

	out := cmd.OutOrStdout()
	printer := newPrinter(out)
	session.OnMessages(printer.messages)
	session.OnPresence(printer.presence)
	session.OnStateChanged(func(ev chatsync.StateEvent) {
		fmt.Fprintf(out, "* %s\n", ev.NewState)
	})
	session.OnDelivery(func(o chatsync.Outcome) {
		if o.State == chatsync.DeliveryRolledBack {
			fmt.Fprintf(out, "! not delivered (%s): %q\n", o.Reason, o.Message.Content)
		}
	})
	session.OnError(func(err error) {
		logger.Warn("session error", "error", err)
	})

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Fprintf(out, "connected as %s (%s)\n", identity.UserName, identity.UserID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, session, out, line); quit {
				return nil
			}
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	return srv
}

func handleLine(ctx context.Context, s *chatsync.Session, out io.Writer, line string) bool {
	switch {
	case line == "/quit":
		return true
	case line == "/who":
		for _, u := range s.Roster() {
			fmt.Fprintf(out, "  %s (%s)\n", u.UserName, u.UserID)
		}
	case strings.HasPrefix(line, "/ask "):
		go func() {
			if _, err := s.Ask(ctx, strings.TrimPrefix(line, "/ask ")); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}()
	default:
		s.Keystroke(ctx)
		if _, err := s.Submit(ctx, line); err != nil && !chatsync.IsConnectionError(err) {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
	return false
}

func resolveIdentity(ctx context.Context, cmd *cobra.Command, cfg chatsync.Config, apiURL string) (chatsync.Identity, error) {
	userID, _ := cmd.Flags().GetString("user-id")
	userName, _ := cmd.Flags().GetString("user-name")
	if userID != "" {
		if userName == "" {
			userName = userID
		}
		return chatsync.Identity{UserID: userID, UserName: userName}, nil
	}
	if cfg.Token != "" {
		if id, err := chatsync.IdentityFromToken(cfg.Token); err == nil {
			return id, nil
		}
	}
	if apiURL == "" {
		return chatsync.Identity{}, fmt.Errorf("no identity: pass --user-id, a token with sub/name claims, or --api-url")
	}
	rc := rest.NewClient(apiURL)
	rc.SetToken(cfg.Token)
	me, err := rc.Me(ctx)
	if err != nil {
		return chatsync.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	return chatsync.Identity{UserID: me.UserID, UserName: me.UserName}, nil
}

// printer writes each confirmed message once and the typing line on change.
type printer struct {
	out    io.Writer
	mu     sync.Mutex
	seen   map[string]bool
	typing string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]bool)}
}

func (p *printer) messages(ms []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range ms {
		if m.Pending() || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		if m.Type == chatsync.MessageSystem {
			fmt.Fprintf(p.out, "-- %s\n", m.Content)
			continue
		}
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderName, m.Content)
	}
}

func (p *printer) presence(snap chatsync.PresenceSnapshot) {
	line := ""
	if len(snap.Typing) > 0 {
		line = strings.Join(snap.Typing, ", ") + " typing..."
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line != p.typing && line != "" {
		fmt.Fprintln(p.out, line)
	}
	p.typing = line
}
