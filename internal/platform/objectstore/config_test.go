package objectstore

import (
	"context"
	"strings"
	"testing"
)

func TestConfigValidateRejectsScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "http://localhost:9000"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("expected scheme error, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FORGE_MINIO_BUCKET_ASSETS", "custom")
	t.Setenv("FORGE_MINIO_USE_SSL", "true")
	cfg, err := ConfigFromEnv(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BucketAsset != "custom" || !cfg.UseSSL {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNilMinioStoreGuards(t *testing.T) {
	var s *MinioStore
	if _, err := s.Stat(context.Background(), "b", "k"); err == nil {
		t.Fatalf("expected not initialized error")
	}
}
