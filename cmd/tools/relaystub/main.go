package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/chatsync/internal/relaytest"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

func main() {
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		addr   string
		tokens []string
		echo   bool
		drop   time.Duration
	)
	cmd := &cobra.Command{
		Use:          "relaystub",
		Short:        "Local conversation relay for manual client testing",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := relaytest.Options{EchoTyping: echo}
			if len(tokens) > 0 {
				opts.Tokens = make(map[string]string, len(tokens))
				for _, pair := range tokens {
					user, token, ok := strings.Cut(pair, "=")
					if !ok {
						return errors.Errorf("invalid --token %q, want user=token", pair)
					}
					opts.Tokens[user] = token
				}
			}
			relay := relaytest.New(opts)

			r := chi.NewRouter()
			r.Use(middleware.RequestID)
			r.Use(middleware.Recoverer)
			r.Mount("/", relay.Handler())

			if drop > 0 {
				go dropLoop(cmd.Context(), relay, drop)
			}

			srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			log.Info().Str("addr", addr).Msg("relay stub listening")

			select {
			case <-cmd.Context().Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				relay.DisconnectAll(realtime.CloseNormal, "shutdown")
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "accepted agent credential as user=token, repeatable")
	cmd.Flags().BoolVar(&echo, "echo-typing", false, "echo typing events back to their sender")
	cmd.Flags().DurationVar(&drop, "drop-every", 0, "close every connection with 4000 on this interval")

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// dropLoop 定时断开所有连接，用来观察客户端重连
func dropLoop(ctx context.Context, relay *relaytest.Relay, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info().Int("peers", relay.Peers()).Msg("dropping connections")
			relay.DisconnectAll(realtime.CloseServerError, "scheduled drop")
		}
	}
}
