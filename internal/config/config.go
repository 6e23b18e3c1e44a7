package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/zhouzirui/chatsync/internal/model/chat"
	chatservice "github.com/zhouzirui/chatsync/internal/service/chat"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

// Prefix 所有环境变量的前缀
const Prefix = "CHATSYNC_"

// Config 聚合客户端的全部配置项。
type Config struct {
	Relay     RelayConfig     `envPrefix:"RELAY_"`
	Identity  IdentityConfig  `envPrefix:"IDENTITY_"`
	Reconnect ReconnectConfig `envPrefix:"RECONNECT_"`
	Heartbeat HeartbeatConfig `envPrefix:"HEARTBEAT_"`
	Typing    TypingConfig    `envPrefix:"TYPING_"`
	Fallback  FallbackConfig  `envPrefix:"FALLBACK_"`
	Notify    NotifyConfig    `envPrefix:"NOTIFY_"`
	Metrics   MetricsConfig   `envPrefix:"METRICS_"`
}

// RelayConfig 中继服务地址
type RelayConfig struct {
	URL string `env:"URL" envDefault:"ws://localhost:8000"`
}

// IdentityConfig 描述本端身份。agent 需要 UserID + Token，visitor 需要 WebsiteID + VisitorID。
type IdentityConfig struct {
	Role      string `env:"ROLE" envDefault:"agent"`
	UserID    string `env:"USER_ID"`
	Token     string `env:"TOKEN"`
	WebsiteID string `env:"WEBSITE_ID"`
	VisitorID string `env:"VISITOR_ID"`
}

// ReconnectConfig 重连退避参数
type ReconnectConfig struct {
	BaseInterval   time.Duration `env:"BASE_INTERVAL" envDefault:"1s"`
	MaxInterval    time.Duration `env:"MAX_INTERVAL" envDefault:"30s"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	MinSpacing     time.Duration `env:"MIN_SPACING" envDefault:"1s"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
}

// HeartbeatConfig 心跳参数
type HeartbeatConfig struct {
	Interval    time.Duration `env:"INTERVAL" envDefault:"30s"`
	PongTimeout time.Duration `env:"PONG_TIMEOUT" envDefault:"60s"`
}

// TypingConfig 输入状态参数
type TypingConfig struct {
	Idle      time.Duration `env:"IDLE" envDefault:"1s"`
	RemoteTTL time.Duration `env:"REMOTE_TTL" envDefault:"5s"`
}

// FallbackConfig REST 兜底服务配置，BaseURL 为空时不启用
type FallbackConfig struct {
	BaseURL     string        `env:"BASE_URL"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"10s"`
	ReadRetries int           `env:"READ_RETRIES" envDefault:"3"`
}

// NotifyConfig 通知偏好文件路径，为空时只保存在内存里
type NotifyConfig struct {
	PreferencesPath string `env:"PREFERENCES_PATH"`
}

// MetricsConfig 指标服务监听地址，为空时不启用
type MetricsConfig struct {
	Addr string `env:"ADDR"`
}

// Load 先加载 .env 文件（可选），再从环境变量解析配置。
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return nil, errors.Wrap(err, "load env file")
	}
	return Parse(env.Options{Prefix: Prefix})
}

// Parse 使用给定的解析选项读取配置。
func Parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查角色与身份是否匹配。
func (c *Config) Validate() error {
	role := c.Role()
	if !role.Valid() {
		return errors.Errorf("invalid role %q: must be agent or visitor", c.Identity.Role)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return errors.Errorf("invalid reconnect max attempts %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.BaseInterval <= 0 || c.Reconnect.MaxInterval < c.Reconnect.BaseInterval {
		return errors.Errorf("invalid reconnect intervals base=%s max=%s", c.Reconnect.BaseInterval, c.Reconnect.MaxInterval)
	}
	return nil
}

// Role 本端角色
func (c *Config) Role() chat.SenderType {
	return chat.SenderType(strings.ToLower(strings.TrimSpace(c.Identity.Role)))
}

// SelfID 本端在中继上的 id
func (c *Config) SelfID() string {
	if c.Role() == chat.SenderVisitor {
		return c.Identity.VisitorID
	}
	return c.Identity.UserID
}

// RelayURL 按角色拼出中继的 WebSocket 地址。
func (c *Config) RelayURL() (string, error) {
	if c.Role() == chat.SenderVisitor {
		return VisitorURL(c.Relay.URL, c.Identity.WebsiteID, c.Identity.VisitorID)
	}
	return AgentURL(c.Relay.URL, c.Identity.UserID, c.Identity.Token)
}

// ConnectionOptions 转换为连接管理器选项
func (c *Config) ConnectionOptions() realtime.ConnectionOptions {
	opts := realtime.DefaultConnectionOptions()
	opts.BaseInterval = c.Reconnect.BaseInterval
	opts.MaxInterval = c.Reconnect.MaxInterval
	opts.MaxAttempts = c.Reconnect.MaxAttempts
	opts.MinAttemptSpacing = c.Reconnect.MinSpacing
	opts.ConnectTimeout = c.Reconnect.ConnectTimeout
	opts.HeartbeatInterval = c.Heartbeat.Interval
	opts.PongTimeout = c.Heartbeat.PongTimeout
	return opts
}

// TypingOptions 转换为输入状态选项
func (c *Config) TypingOptions() chatservice.TypingOptions {
	return chatservice.TypingOptions{
		IdleTimeout: c.Typing.Idle,
		RemoteTTL:   c.Typing.RemoteTTL,
		SelfID:      c.SelfID(),
	}
}
