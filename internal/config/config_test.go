package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TRACKING_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BounceLimit != 3 {
		t.Errorf("BounceLimit = %d, want 3", cfg.BounceLimit)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %s, want 60s", cfg.PollInterval)
	}
	if cfg.RulesInterval != 60*time.Second {
		t.Errorf("RulesInterval = %s, want 60s", cfg.RulesInterval)
	}
	if cfg.MailTransport != TransportSES {
		t.Errorf("MailTransport = %s, want ses", cfg.MailTransport)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TRACKING_SECRET", "s3cret")
	t.Setenv("BOUNCE_LIMIT", "7")
	t.Setenv("POLL_INTERVAL", "15s")
	t.Setenv("MAIL_TRANSPORT", "smtp")
	t.Setenv("WORKER_CONCURRENCY", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BounceLimit != 7 {
		t.Errorf("BounceLimit = %d, want 7", cfg.BounceLimit)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %s, want 15s", cfg.PollInterval)
	}
	if cfg.MailTransport != TransportSMTP {
		t.Errorf("MailTransport = %s, want smtp", cfg.MailTransport)
	}
	if cfg.WorkerConcurrency != 12 {
		t.Errorf("WorkerConcurrency = %d, want 12", cfg.WorkerConcurrency)
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("BOUNCE_LIMIT", "lots")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric BOUNCE_LIMIT")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TrackingSecret: "s3cret",
			BounceLimit:    3,
			PollInterval:   time.Minute,
			RulesInterval:  time.Minute,
			MailTransport:  TransportLog,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing_secret", func(c *Config) { c.TrackingSecret = "" }, true},
		{"zero_bounce_limit", func(c *Config) { c.BounceLimit = 0 }, true},
		{"zero_interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"unknown_transport", func(c *Config) { c.MailTransport = "pigeon" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MissingSecretIsSentinel(t *testing.T) {
	cfg := &Config{BounceLimit: 3, PollInterval: time.Minute, RulesInterval: time.Minute, MailTransport: TransportLog}
	if err := cfg.Validate(); !errors.Is(err, ErrMissingTrackingSecret) {
		t.Errorf("expected ErrMissingTrackingSecret, got %v", err)
	}
}
