package config

import (
	"log"
	"os"
	"time"
)

type Config struct {
	HTTPPort string

	// LedgerBackend selects the LedgerStore adapter: redis, mysql, gateway.
	LedgerBackend string
	RedisAddr     string
	MySQLDSN      string
	GatewayURL    string

	// AssetBackend selects the AssetStore adapter: local, http.
	AssetBackend   string
	AssetDir       string
	AssetBaseURL   string
	AssetUploadURL string

	LeaseTTL    time.Duration
	CORSOrigins string
}

func Load() *Config {
	cfg := &Config{
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		LedgerBackend:  getEnv("LEDGER_BACKEND", "redis"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		MySQLDSN:       getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/estateledger?parseTime=true"),
		GatewayURL:     getEnv("LEDGER_GATEWAY_URL", "http://localhost:8090"),
		AssetBackend:   getEnv("ASSET_BACKEND", "local"),
		AssetDir:       getEnv("ASSET_DIR", "./uploads"),
		AssetBaseURL:   getEnv("ASSET_BASE_URL", "http://localhost:8080/uploads"),
		AssetUploadURL: getEnv("ASSET_UPLOAD_URL", "http://localhost:8090/upload-photo"),
		LeaseTTL:       getDuration("LEASE_TTL", 12*time.Hour),
		CORSOrigins:    getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
	}

	switch cfg.LedgerBackend {
	case "redis", "mysql", "gateway":
	default:
		log.Fatalf("unknown LEDGER_BACKEND %q (want redis, mysql, or gateway)", cfg.LedgerBackend)
	}
	switch cfg.AssetBackend {
	case "local", "http":
	default:
		log.Fatalf("unknown ASSET_BACKEND %q (want local or http)", cfg.AssetBackend)
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[WARN] invalid %s %q, using %s", key, v, def)
		return def
	}
	return d
}
