// Package config holds the gateway configuration: server listen options,
// state store, upstream endpoint, and per-adapter channel options.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Redis    RedisConfig    `json:"redis"`
	Brain    BrainConfig    `json:"brain"`
	Channels ChannelsConfig `json:"channels"`
	Webhooks WebhooksConfig `json:"webhooks"`
	Tracing  TracingConfig  `json:"tracing"`
	Dedup    DedupConfig    `json:"dedup"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// RedisConfig selects the state store. Empty Addr falls back to the
// in-memory store (standalone / test runs).
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// BrainConfig points at the upstream processing service.
type BrainConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// ChannelsConfig groups per-surface adapter options.
type ChannelsConfig struct {
	Web      WebConfig      `json:"web"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// WebConfig configures the WebSocket surface.
type WebConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
// Mode is "polling" (default) or "webhook".
type TelegramConfig struct {
	Enabled            bool     `json:"enabled"`
	BotToken           string   `json:"bot_token,omitempty"`
	Mode               string   `json:"mode,omitempty"`
	WebhookURL         string   `json:"webhook_url,omitempty"`
	DefaultWorkspaceID string   `json:"default_workspace_id,omitempty"`
	AllowedUserIDs     []string `json:"allowed_user_ids,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled            bool     `json:"enabled"`
	BotToken           string   `json:"bot_token,omitempty"`
	ClientID           string   `json:"client_id,omitempty"`
	GuildID            string   `json:"guild_id,omitempty"`
	DefaultWorkspaceID string   `json:"default_workspace_id,omitempty"`
	AllowedRoleIDs     []string `json:"allowed_role_ids,omitempty"`
}

// WhatsAppConfig configures the Twilio WhatsApp adapter.
type WhatsAppConfig struct {
	Enabled            bool   `json:"enabled"`
	AccountSID         string `json:"account_sid,omitempty"`
	AuthToken          string `json:"auth_token,omitempty"`
	FromNumber         string `json:"from_number,omitempty"`
	DefaultWorkspaceID string `json:"default_workspace_id,omitempty"`
	// PublicURL is the externally visible base URL for webhook signature
	// validation (scheme://host, no trailing slash).
	PublicURL string `json:"public_url,omitempty"`
}

// WebhooksConfig configures outbound event fan-out.
type WebhooksConfig struct {
	Endpoints []WebhookEndpoint `json:"endpoints,omitempty"`
	// HeaderPrefix names the x-<prefix>-* signature headers. Default "relay".
	HeaderPrefix string        `json:"header_prefix,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// WebhookEndpoint is a single outbound webhook target.
type WebhookEndpoint struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
	// Protocol is "grpc" (default) or "http".
	Protocol string `json:"protocol,omitempty"`
}

// DedupConfig tunes the crossed-message suppression window.
type DedupConfig struct {
	TTL time.Duration `json:"ttl,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Brain: BrainConfig{
			BaseURL: "http://localhost:9000",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Mode:               "polling",
				DefaultWorkspaceID: "default",
			},
			Discord: DiscordConfig{
				DefaultWorkspaceID: "default",
			},
			WhatsApp: WhatsAppConfig{
				DefaultWorkspaceID: "default",
			},
		},
		Webhooks: WebhooksConfig{
			HeaderPrefix: "relay",
			Attempts:     3,
			Timeout:      15 * time.Second,
		},
		Dedup: DedupConfig{
			TTL: 5 * time.Second,
		},
	}
}
