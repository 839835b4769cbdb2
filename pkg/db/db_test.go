package db

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("postgres://nls@localhost/nomadlist")

	if cfg.MaxConns != 4 || cfg.MinConns != 1 {
		t.Errorf("pool bounds = %d/%d, want 4/1", cfg.MaxConns, cfg.MinConns)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestPoolConfig(t *testing.T) {
	cfg := NewConfig("postgres://nls:pw@db.internal:5433/nomadlist?sslmode=disable")
	cfg.MaxConns = 8
	cfg.ConnectTimeout = 3 * time.Second

	pc, err := cfg.poolConfig()
	if err != nil {
		t.Fatalf("poolConfig() error = %v", err)
	}
	if pc.MaxConns != 8 || pc.MinConns != 1 {
		t.Errorf("pool bounds = %d/%d, want 8/1", pc.MaxConns, pc.MinConns)
	}
	if pc.ConnConfig.Host != "db.internal" || pc.ConnConfig.Port != 5433 {
		t.Errorf("host = %s:%d", pc.ConnConfig.Host, pc.ConnConfig.Port)
	}
	if pc.ConnConfig.ConnectTimeout != 3*time.Second {
		t.Errorf("connect timeout = %v", pc.ConnConfig.ConnectTimeout)
	}

	bare := &Config{DSN: "postgresql://u@h/db"}
	pc, err = bare.poolConfig()
	if err != nil {
		t.Fatalf("poolConfig() error = %v", err)
	}
	if pc.MaxConns <= 0 {
		t.Errorf("zero MaxConns should keep the pgxpool default, got %d", pc.MaxConns)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"postgres url", NewConfig("postgres://u@h/db"), false},
		{"postgresql url", &Config{DSN: "postgresql://u@h/db"}, false},
		{"wrong url scheme", &Config{DSN: "mysql://u@h/db"}, true},
		{"empty dsn", &Config{}, true},
		{"max below min", &Config{DSN: "postgres://u@h/db", MaxConns: 1, MinConns: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnectWithRetry_InvalidConfigFailsFast(t *testing.T) {
	start := time.Now()
	_, err := ConnectWithRetry(context.Background(), &Config{DSN: "mysql://u@h/db"}, 5, time.Minute)
	if err == nil || !strings.Contains(err.Error(), "unsupported database url scheme") {
		t.Fatalf("ConnectWithRetry() error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("invalid config should not be retried")
	}
}
