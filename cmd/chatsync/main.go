package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/chatsync/internal/config"
)

type flags struct {
	envFile      string
	logLevel     string
	relay        string
	role         string
	userID       string
	token        string
	websiteID    string
	visitorID    string
	conversation string
	fallback     string
	metricsAddr  string
	prefs        string
	notify       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "chatsync",
		Short:        "Terminal client for the conversation relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(f.logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&f.envFile, "env-file", "", "path of a .env file (default: ./.env when present)")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.relay, "relay", "", "relay base url, overrides CHATSYNC_RELAY_URL")
	fs.StringVar(&f.role, "role", "", "agent or visitor")
	fs.StringVar(&f.userID, "user-id", "", "agent user id")
	fs.StringVar(&f.token, "token", "", "agent token")
	fs.StringVar(&f.websiteID, "website-id", "", "visitor website id")
	fs.StringVar(&f.visitorID, "visitor-id", "", "visitor id")
	fs.StringVar(&f.conversation, "conversation", "", "conversation to join on start")
	fs.StringVar(&f.fallback, "fallback", "", "REST fallback base url")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /status on this address")
	fs.StringVar(&f.prefs, "prefs", "", "notification preferences file")
	fs.BoolVar(&f.notify, "notify", false, "turn alerts on")

	cmd.AddCommand(newURLCmd(&f))
	return cmd
}

// newURLCmd 打印按当前配置拼出的中继地址
func newURLCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "url",
		Short: "Print the relay websocket url for the configured identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *f)
			if err != nil {
				return err
			}
			u, err := cfg.RelayURL()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).With().Timestamp().Logger()
	return nil
}

// loadConfig 读取环境变量，再用命令行参数覆盖
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	var files []string
	if f.envFile != "" {
		files = append(files, f.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}

	override := func(name string, dst *string, value string) {
		if cmd.Flags().Changed(name) {
			*dst = value
		}
	}
	override("relay", &cfg.Relay.URL, f.relay)
	override("role", &cfg.Identity.Role, f.role)
	override("user-id", &cfg.Identity.UserID, f.userID)
	override("token", &cfg.Identity.Token, f.token)
	override("website-id", &cfg.Identity.WebsiteID, f.websiteID)
	override("visitor-id", &cfg.Identity.VisitorID, f.visitorID)
	override("fallback", &cfg.Fallback.BaseURL, f.fallback)
	override("metrics-addr", &cfg.Metrics.Addr, f.metricsAddr)
	override("prefs", &cfg.Notify.PreferencesPath, f.prefs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
