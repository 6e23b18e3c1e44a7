package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/chatsync/internal/client"
	"github.com/zhouzirui/chatsync/internal/config"
	handler "github.com/zhouzirui/chatsync/internal/handler/realtime"
	"github.com/zhouzirui/chatsync/internal/model/chat"
	chatservice "github.com/zhouzirui/chatsync/internal/service/chat"
	"github.com/zhouzirui/chatsync/internal/service/fallback"
	"github.com/zhouzirui/chatsync/internal/service/notify"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
	"github.com/zhouzirui/chatsync/pkg/utils"
)

// console 串行化终端输出，事件循环和输入循环都会写
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func run(ctx context.Context, cfg *config.Config, f flags, in io.Reader, out io.Writer) error {
	relayURL, err := cfg.RelayURL()
	if err != nil {
		return err
	}
	term := &console{w: out}

	registry := prometheus.NewRegistry()
	metrics := realtime.NewMetrics(registry)

	notifier, alerts, err := newNotifier(cfg, f.notify, term)
	if err != nil {
		return err
	}

	var rest *fallback.Client
	if cfg.Fallback.BaseURL != "" {
		token := cfg.Identity.Token
		rest, err = fallback.New(fallback.Options{
			BaseURL:     cfg.Fallback.BaseURL,
			Token:       func() string { return token },
			Timeout:     cfg.Fallback.Timeout,
			ReadRetries: cfg.Fallback.ReadRetries,
		})
		if err != nil {
			return err
		}
	}

	loop := realtime.NewLoop()
	c := client.New(loop, realtime.NewWebSocketDialer(realtime.DefaultWebSocketOptions()), client.Options{
		Role:       cfg.Role(),
		SelfID:     cfg.SelfID(),
		Connection: cfg.ConnectionOptions(),
		Typing:     cfg.TypingOptions(),
		Notifier:   notifier,
		Metrics:    metrics,
	})
	c.Subscribe(printer(c, cfg.Role(), term))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(c.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(alerts.Run(gctx))
	})

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           statusRouter(c, registry),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server listening")
		g.Go(func() error { return runServer(gctx, srv) })
	}

	r := &repl{
		client:    c,
		rest:      rest,
		notify:    notifier,
		role:      cfg.Role(),
		out:       term,
		websiteID: cfg.Identity.WebsiteID,
		visitorID: cfg.Identity.VisitorID,
	}
	g.Go(func() error {
		defer cancel()
		c.Connect(relayURL)
		if f.conversation != "" {
			r.join(gctx, f.conversation)
		}
		return r.run(gctx, in)
	})

	return g.Wait()
}

// newNotifier 构建通知服务，终端输出经由队列异步投递
func newNotifier(cfg *config.Config, enable bool, term *console) (*notify.Service, *notify.Queue, error) {
	var store notify.Store = &notify.MemoryStore{}
	if cfg.Notify.PreferencesPath != "" {
		store = notify.NewFileStore(cfg.Notify.PreferencesPath)
	}
	dispatcher := notify.DispatcherFunc(func(_ context.Context, n notify.Notification) error {
		bell := ""
		if n.Sound {
			bell = "\a"
		}
		term.Printf("%s[alert] %s: %s\n", bell, n.Title, n.Body)
		return nil
	})
	alerts := notify.NewQueue(dispatcher, 32, 5*time.Second)
	svc, err := notify.NewService(store, alerts)
	if err != nil {
		return nil, nil, err
	}
	if enable {
		if _, err := svc.Update(func(p *notify.Preferences) { p.Enabled = true }); err != nil {
			return nil, nil, err
		}
	}
	return svc, alerts, nil
}

// printer 把客户端通知渲染到终端
func printer(c *client.Client, role chat.SenderType, term *console) client.Subscriber {
	return client.Subscriber{
		State: func(change realtime.StateChange) {
			switch change.To {
			case realtime.StateReconnecting:
				term.Printf("* reconnecting (attempt %d in %s)\n", change.Attempt, change.Delay.Round(time.Millisecond))
			case realtime.StateFailed:
				if change.Failure != nil && change.Failure.Auth() {
					term.Printf("* rejected by relay: %s. Check credentials, then /reconnect\n", change.Failure.Reason)
					return
				}
				term.Printf("* connection failed: %v. Type /reconnect to retry\n", change.Failure)
			default:
				term.Printf("* %s\n", change.To)
			}
		},
		Messages: func(u chatservice.Update) {
			switch u.Kind {
			case chatservice.UpdateAdded:
				if u.Message.SenderType != role {
					term.Printf("[%s] %s: %s\n", u.ConversationID, u.Message.SenderType, u.Message.Content)
				}
			case chatservice.UpdateFailed:
				term.Printf("! not delivered: %s\n", u.Message.Content)
			}
		},
		Typing: func(u chatservice.TypingUpdate) {
			if len(u.Typers) == 0 {
				return
			}
			term.Printf("[%s] %s is typing...\n", u.ConversationID, u.Typers[0].SenderType)
		},
		Events: func(ev handler.Event) {
			switch ev.Kind {
			case handler.EventParticipantJoined:
				term.Printf("[%s] %s joined\n", ev.ConversationID, ev.Participant.SenderType)
			case handler.EventParticipantLeft:
				term.Printf("[%s] %s left\n", ev.ConversationID, ev.Participant.SenderType)
			case handler.EventRelayError:
				term.Printf("! relay: %s\n", ev.Text)
			}
		},
	}
}

func statusRouter(c *client.Client, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"state":    c.State().String(),
			"realtime": c.Realtime(),
			"url":      c.URL(),
		})
	})
	return r
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
