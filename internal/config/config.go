package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `validate:"required"`

	RedisAddr     string `validate:"required"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	NATSURL           string
	NATSSubjectPrefix string

	SIRIBaseURL       string `validate:"required,url"`
	APIKey            string
	KeyringService    string
	RequestsPerSecond float64       `validate:"gt=0"`
	HTTPTimeout       time.Duration `validate:"gt=0"`

	RefreshInterval       time.Duration `validate:"gt=0"`
	DeparturesPerFavorite int           `validate:"gt=0"`
	WidgetMaxFavorites    int           `validate:"gt=0"`
	SnapshotTTL           time.Duration `validate:"gt=0"`
	LocationMaxAge        time.Duration `validate:"gt=0"`

	HTTPAddr    string `validate:"required"`
	MetricsAddr string

	ReferenceDataPath string
	ReimportSchedule  string

	Location   *time.Location
	DefaultLat float64 `validate:"gte=-90,lte=90"`
	DefaultLon float64 `validate:"gte=-180,lte=180"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := getenvDefault("PGDATABASE", "departureboard")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.RedisAddr = getenvDefault("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	redisDB, err := intEnv("REDIS_DB", 0, 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = redisDB

	// NATS_URL= (explicitly empty) disables snapshot notifications.
	if v, ok := os.LookupEnv("NATS_URL"); ok {
		cfg.NATSURL = strings.TrimSpace(v)
	} else {
		cfg.NATSURL = "nats://127.0.0.1:4222"
	}
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "departureboard")

	cfg.SIRIBaseURL = strings.TrimRight(getenvDefault("SIRI_BASE_URL", "https://prim.iledefrance-mobilites.fr/marketplace"), "/")
	cfg.APIKey = strings.TrimSpace(os.Getenv("SIRI_API_KEY"))
	cfg.KeyringService = getenvDefault("KEYRING_SERVICE", "departureboard")

	if v := os.Getenv("SIRI_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SIRI_RPS: %q", v)
		}
		cfg.RequestsPerSecond = f
	} else {
		cfg.RequestsPerSecond = 5
	}

	ms, err := intEnv("SIRI_TIMEOUT_MS", 10000, 1)
	if err != nil {
		return nil, err
	}
	cfg.HTTPTimeout = time.Duration(ms) * time.Millisecond

	sec, err := intEnv("REFRESH_INTERVAL_SEC", 60, 1)
	if err != nil {
		return nil, err
	}
	cfg.RefreshInterval = time.Duration(sec) * time.Second

	if cfg.DeparturesPerFavorite, err = intEnv("DEPARTURES_PER_FAVORITE", 3, 1); err != nil {
		return nil, err
	}
	if cfg.WidgetMaxFavorites, err = intEnv("WIDGET_MAX_FAVORITES", 4, 1); err != nil {
		return nil, err
	}

	ttl, err := intEnv("SNAPSHOT_TTL_SEC", 900, 1)
	if err != nil {
		return nil, err
	}
	cfg.SnapshotTTL = time.Duration(ttl) * time.Second

	maxAge, err := intEnv("LOCATION_MAX_AGE_SEC", 1800, 1)
	if err != nil {
		return nil, err
	}
	cfg.LocationMaxAge = time.Duration(maxAge) * time.Second

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.ReferenceDataPath = os.Getenv("REFERENCE_DATA_PATH")
	if v, ok := os.LookupEnv("REIMPORT_CRON"); ok {
		cfg.ReimportSchedule = strings.TrimSpace(v)
	} else {
		cfg.ReimportSchedule = "0 30 3 * * *"
	}

	tzName := getenvDefault("TZ", "Europe/Paris")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TZ: %v", err)
	}
	cfg.Location = loc

	cfg.DefaultLat = 48.8566
	cfg.DefaultLon = 2.3522
	if v := os.Getenv("DEFAULT_LAT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_LAT: %q", v)
		}
		cfg.DefaultLat = f
	}
	if v := os.Getenv("DEFAULT_LON"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_LON: %q", v)
		}
		cfg.DefaultLon = f
	}

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "text"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct-level constraints after parsing.
func (c *Config) Validate() error {
	if c.Location == nil {
		return errors.New("time zone is required")
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func intEnv(key string, def, min int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
