package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/chatsync/chatsync/chattest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loopback chat server",
	Long: `Runs the in-memory reference server on --addr. The websocket endpoint is
/ws, the identity endpoint /api/me and the assist endpoint /api/assist.
With --secret, clients must present HS256 tokens signed with it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("secret", os.Getenv("CHATSYNC_SECRET"), "HS256 token secret (empty trusts hello identities)")
	serveCmd.Flags().Bool("echo-assist", true, "answer assist prompts by echoing them")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	secret, _ := cmd.Flags().GetString("secret")
	echoAssist, _ := cmd.Flags().GetBool("echo-assist")
	logger := newLogger(cmd)

	opts := chattest.Options{Logger: logger}
	if secret != "" {
		opts.Secret = []byte(secret)
	}
	if echoAssist {
		opts.Completion = func(_ context.Context, prompt, _ string) (string, error) {
			return "You said: " + prompt, nil
		}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           chattest.New(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
