package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/forge-labs/forge-go/internal/platform/env"
)

type Config struct {
	Endpoint    string `yaml:"endpoint"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	Region      string `yaml:"region"`
	UseSSL      bool   `yaml:"use_ssl"`
	BucketAsset string `yaml:"bucket_assets"`
	Prefix      string `yaml:"prefix"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:9000",
		AccessKey:   "forge",
		SecretKey:   "forgeminio",
		Region:      "us-east-1",
		BucketAsset: "forge-assets",
		Prefix:      "objects",
	}
}

func ConfigFromEnv(base Config) (Config, error) {
	useSSL, err := env.Bool("FORGE_MINIO_USE_SSL", base.UseSSL)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Endpoint:    env.String("FORGE_MINIO_ENDPOINT", base.Endpoint),
		AccessKey:   env.String("FORGE_MINIO_ACCESS_KEY", base.AccessKey),
		SecretKey:   env.String("FORGE_MINIO_SECRET_KEY", base.SecretKey),
		Region:      env.String("FORGE_MINIO_REGION", base.Region),
		UseSSL:      useSSL,
		BucketAsset: env.String("FORGE_MINIO_BUCKET_ASSETS", base.BucketAsset),
		Prefix:      env.String("FORGE_MINIO_PREFIX", base.Prefix),
	}, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketAsset) == "" {
		return errors.New("assets bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
