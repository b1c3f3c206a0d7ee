package config

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{
			"telegram needs token",
			func(c *Config) { c.Channels.Telegram.Enabled = true },
			"bot_token",
		},
		{
			"telegram webhook needs url",
			func(c *Config) {
				c.Channels.Telegram.Enabled = true
				c.Channels.Telegram.BotToken = "t"
				c.Channels.Telegram.Mode = "webhook"
			},
			"webhook_url",
		},
		{
			"discord needs token",
			func(c *Config) { c.Channels.Discord.Enabled = true },
			"bot_token",
		},
		{
			"whatsapp needs credentials",
			func(c *Config) { c.Channels.WhatsApp.Enabled = true },
			"account_sid",
		},
		{
			"whatsapp needs public_url for signature validation",
			func(c *Config) {
				c.Channels.WhatsApp.Enabled = true
				c.Channels.WhatsApp.AccountSID = "AC1"
				c.Channels.WhatsApp.AuthToken = "tok"
				c.Channels.WhatsApp.FromNumber = "+15550001111"
			},
			"public_url",
		},
		{
			"whatsapp complete passes",
			func(c *Config) {
				c.Channels.WhatsApp.Enabled = true
				c.Channels.WhatsApp.AccountSID = "AC1"
				c.Channels.WhatsApp.AuthToken = "tok"
				c.Channels.WhatsApp.FromNumber = "+15550001111"
				c.Channels.WhatsApp.PublicURL = "https://gw.example.com"
			},
			"",
		},
		{
			"web needs jwt secret",
			func(c *Config) { c.Channels.Web.Enabled = true },
			"jwt_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}
