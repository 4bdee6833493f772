package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg safe to log.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Wallet.PrivateKeys = make([]string, len(cfg.Wallet.PrivateKeys))
	for i := range out.Wallet.PrivateKeys {
		out.Wallet.PrivateKeys[i] = redacted
	}
	redact(&out.Wallet.KeyPassword)

	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)
	redact(&out.Redis.Password)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
