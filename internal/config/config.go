package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合客户端、参考后端与日志的配置项。
type Config struct {
	Client    ClientConfig
	Conn      ConnectionConfig
	Reconnect ReconnectConfig
	Server    ServerConfig
	Backend   BackendConfig
	AI        AIConfig
	Log       LogConfig
}

// ClientConfig 描述聊天核心访问远端服务所需的参数。
type ClientConfig struct {
	APIBaseURL     string        `env:"TAVERN_API_BASE_URL" envDefault:"http://127.0.0.1:9090/api"`
	WSURL          string        `env:"TAVERN_WS_URL" envDefault:"ws://127.0.0.1:9090/api/chat/stream"`
	AuthToken      string        `env:"TAVERN_AUTH_TOKEN"`
	UserID         int64         `env:"TAVERN_USER_ID" envDefault:"1"`
	ModelType      string        `env:"TAVERN_MODEL_TYPE" envDefault:"default"`
	SuccessCode    int           `env:"TAVERN_SUCCESS_CODE" envDefault:"200"`
	RequestTimeout time.Duration `env:"TAVERN_REQUEST_TIMEOUT" envDefault:"15s"`
	GracePeriod    time.Duration `env:"TAVERN_GRACE_PERIOD" envDefault:"2s"`
}

// ConnectionConfig 描述长连接的超时与心跳。
type ConnectionConfig struct {
	HandshakeTimeout time.Duration `env:"TAVERN_WS_HANDSHAKE_TIMEOUT" envDefault:"30s"`
	ReadTimeout      time.Duration `env:"TAVERN_WS_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout     time.Duration `env:"TAVERN_WS_WRITE_TIMEOUT" envDefault:"30s"`
	PingInterval     time.Duration `env:"TAVERN_WS_PING_INTERVAL" envDefault:"30s"`
}

// ReconnectConfig 描述断线重连的退避策略，MaxAttempts 为 0 时关闭重连。
type ReconnectConfig struct {
	MaxAttempts  int           `env:"TAVERN_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	InitialDelay time.Duration `env:"TAVERN_RECONNECT_INITIAL_DELAY" envDefault:"500ms"`
	MaxDelay     time.Duration `env:"TAVERN_RECONNECT_MAX_DELAY" envDefault:"30s"`
}

// ServerConfig 描述本地展示层 HTTP 服务配置。
type ServerConfig struct {
	Port string `env:"PORT" envDefault:"8080"`
	Addr string
}

// BackendConfig 描述参考后端的监听地址与访问令牌。
type BackendConfig struct {
	Port  string `env:"BACKEND_PORT" envDefault:"9090"`
	Token string `env:"BACKEND_TOKEN"`
	Addr  string
}

// AIConfig 描述参考后端使用的大模型配置。
type AIConfig struct {
	APIKey    string `env:"ARK_API_KEY"`
	AccessKey string `env:"ARK_ACCESS_KEY"`
	SecretKey string `env:"ARK_SECRET_KEY"`
	Model     string `env:"ARK_MODEL"`
	BaseURL   string `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region    string `env:"ARK_REGION" envDefault:"cn-beijing"`
	// SystemPrompt 参考后端对话链使用的系统提示词
	SystemPrompt string `env:"ARK_SYSTEM_PROMPT" envDefault:"你是一位耐心、友好的中文助手，回答简洁清晰。"`
}

// LogConfig 描述日志级别与输出格式（json 或 console）。
type LogConfig struct {
	Level  string `env:"TAVERN_LOG_LEVEL" envDefault:"info"`
	Format string `env:"TAVERN_LOG_FORMAT" envDefault:"json"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 根据配置创建 Ark 聊天模型。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials are not configured")
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:   c.BaseURL,
		Region:    c.Region,
		APIKey:    c.APIKey,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Model:     c.Model,
	}

	return ark.NewChatModel(ctx, cfg)
}

// Load 从环境变量加载配置并完成校验。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 规范化监听地址并检查取值范围。
func (c *Config) Validate() error {
	addr, err := normalizeAddr("PORT", c.Server.Port)
	if err != nil {
		return err
	}
	c.Server.Addr = addr

	backendAddr, err := normalizeAddr("BACKEND_PORT", c.Backend.Port)
	if err != nil {
		return err
	}
	c.Backend.Addr = backendAddr

	if err := validateURL("TAVERN_API_BASE_URL", c.Client.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("TAVERN_WS_URL", c.Client.WSURL, "ws", "wss"); err != nil {
		return err
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"TAVERN_REQUEST_TIMEOUT", c.Client.RequestTimeout},
		{"TAVERN_GRACE_PERIOD", c.Client.GracePeriod},
		{"TAVERN_WS_HANDSHAKE_TIMEOUT", c.Conn.HandshakeTimeout},
		{"TAVERN_WS_READ_TIMEOUT", c.Conn.ReadTimeout},
		{"TAVERN_WS_WRITE_TIMEOUT", c.Conn.WriteTimeout},
		{"TAVERN_WS_PING_INTERVAL", c.Conn.PingInterval},
		{"TAVERN_RECONNECT_INITIAL_DELAY", c.Reconnect.InitialDelay},
		{"TAVERN_RECONNECT_MAX_DELAY", c.Reconnect.MaxDelay},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("invalid %s value %q: must be positive", d.key, d.value)
		}
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("invalid TAVERN_RECONNECT_MAX_ATTEMPTS value %d: must not be negative", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = c.Reconnect.InitialDelay
	}
	if c.Conn.PingInterval >= c.Conn.ReadTimeout {
		// 心跳必须早于读超时，否则空闲连接会被误判为断开。
		c.Conn.PingInterval = c.Conn.ReadTimeout * 9 / 10
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid TAVERN_LOG_FORMAT value %q", c.Log.Format)
	}

	return nil
}

// normalizeAddr 解析监听地址，允许 "8080"、":8080" 或 "127.0.0.1:8080"。
func normalizeAddr(key, port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		return "", fmt.Errorf("invalid %s value: empty", key)
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, port)
	}

	if strings.Contains(port, ":") {
		return port, nil
	}

	return ":" + port, nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s value %q: missing host", key, raw)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("invalid %s value %q: scheme must be one of %v", key, raw, schemes)
}
