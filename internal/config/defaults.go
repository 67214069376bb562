package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Hardware: []string{HardwareMicrophone},
		Backend:  BackendWatson,
		Listen: ListenConfig{
			Device:            "default",
			Fallback:          "default",
			Language:          "en-US",
			InactivityTimeout: -1,
			InterimResults:    true,
			SettleMS:          1000,
		},
		Riva: RivaConfig{
			GRPC:       "127.0.0.1:50051",
			HTTP:       "127.0.0.1:9000",
			HealthPath: "/v1/health/ready",
		},
		Publish: PublishConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "hark.transcripts",
		},
		Log: LogConfig{Level: "info"},
	}
}
