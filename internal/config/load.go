package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and providing a channel credential via env
// auto-enables that channel.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("RELAY_BRAIN_URL", &c.Brain.BaseURL)
	envStr("RELAY_BRAIN_TOKEN", &c.Brain.Token)
	envStr("RELAY_REDIS_ADDR", &c.Redis.Addr)
	envStr("RELAY_REDIS_PASSWORD", &c.Redis.Password)
	envStr("RELAY_JWT_SECRET", &c.Channels.Web.JWTSecret)
	envStr("RELAY_TELEGRAM_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("RELAY_DISCORD_TOKEN", &c.Channels.Discord.BotToken)
	envStr("RELAY_DISCORD_CLIENT_ID", &c.Channels.Discord.ClientID)
	envStr("RELAY_TWILIO_ACCOUNT_SID", &c.Channels.WhatsApp.AccountSID)
	envStr("RELAY_TWILIO_AUTH_TOKEN", &c.Channels.WhatsApp.AuthToken)
	envStr("RELAY_TWILIO_FROM_NUMBER", &c.Channels.WhatsApp.FromNumber)
	envStr("RELAY_TWILIO_PUBLIC_URL", &c.Channels.WhatsApp.PublicURL)

	if os.Getenv("RELAY_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("RELAY_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if os.Getenv("RELAY_TWILIO_AUTH_TOKEN") != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if os.Getenv("RELAY_JWT_SECRET") != "" {
		c.Channels.Web.Enabled = true
	}
}

// Validate rejects configs that enable a channel without its required
// credentials.
func (c *Config) Validate() error {
	if c.Channels.Telegram.Enabled {
		if c.Channels.Telegram.BotToken == "" {
			return fmt.Errorf("telegram enabled without bot_token")
		}
		if mode := c.Channels.Telegram.Mode; mode != "" && mode != "polling" && mode != "webhook" {
			return fmt.Errorf("telegram mode %q is not polling or webhook", mode)
		}
		if c.Channels.Telegram.Mode == "webhook" && c.Channels.Telegram.WebhookURL == "" {
			return fmt.Errorf("telegram webhook mode without webhook_url")
		}
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.BotToken == "" {
		return fmt.Errorf("discord enabled without bot_token")
	}
	if c.Channels.WhatsApp.Enabled {
		w := c.Channels.WhatsApp
		if w.AccountSID == "" || w.AuthToken == "" || w.FromNumber == "" {
			return fmt.Errorf("whatsapp enabled without account_sid, auth_token, from_number")
		}
		if w.PublicURL == "" {
			return fmt.Errorf("whatsapp enabled without public_url; webhook signatures cannot be validated")
		}
	}
	if c.Channels.Web.Enabled && c.Channels.Web.JWTSecret == "" {
		return fmt.Errorf("web enabled without jwt_secret")
	}
	return nil
}
