package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:       "~/.linkgate",
			LogLevel:      "info",
			LogFormat:     "text",
			LogMaxSizeMB:  50,
			LogMaxBackups: 5,
			LogMaxAgeDays: 28,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3001,
			MaxBodyBytes: 1 << 20,
		},
		Sessions: SessionsConfig{
			TokenPrefix:          "firm",
			PersistLinks:         true,
			MaxReconnectAttempts: 5,
			TimeoutMinutes:       30,
			ResetDelaySeconds:    2,
			HeartbeatSeconds:     30,
			ReaperSeconds:        300,
			SaveSeconds:          60,
			QRWaitSeconds:        5,
		},
		Dispatch: DispatchConfig{
			BatchSize:           5,
			PaceMillis:          2500,
			RateLimitCooldownMs: 10000,
			SendTimeoutSeconds:  30,
			IntervalSeconds:     10,
		},
		Phone: PhoneConfig{
			CountryCode: "91",
			LocalLength: 10,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.linkgate/links.db",
		},
		Telegram: TelegramConfig{
			SessionDir:       "~/.linkgate/sessions",
			QRTimeoutSeconds: 120,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
