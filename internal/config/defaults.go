package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.chatwire",
			LogLevel: "info",
		},
		Server: ServerConfig{
			BaseURL:        "http://localhost:8080",
			WSURL:          "ws://localhost:8080/ws",
			TimeoutSeconds: 15,
		},
		Transport: TransportConfig{
			HeartbeatSeconds:    25,
			ReconnectBaseMS:     1000,
			ReconnectMaxMS:      8000,
			MaxReconnects:       5,
			TokenTimeoutSeconds: 5,
		},
		Chat: ChatConfig{
			ExactResendWindowMS: 100,
			TextWindowMS:        1000,
			AttachmentWindowMS:  2500,
		},
		Presence: PresenceConfig{
			TypingTimeoutMS:     3000,
			InactivityTimeoutMS: 300000, // 5 minutes
		},
		Roster: RosterConfig{
			RefreshOfflineSeconds: 30,
			RefreshOnlineSeconds:  300,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "~/.chatwire/history.db",
		},
	}
}
