package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	BackendBunny = "bunny"
	BackendMinio = "minio"

	defaultModelViewerScript = "https://ajax.googleapis.com/ajax/libs/model-viewer/3.5.0/model-viewer.min.js"
)

// ErrMissingStorageKey is returned when the active storage backend has no credentials.
var ErrMissingStorageKey = errors.New("storage api key is not configured")

// Config holds all configuration values from environment.
type Config struct {
	AppEnv string

	DatabaseURL  string
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	DBServiceKey string
	AssetsTable  string

	StorageBackend string
	StorageZone    string
	StorageAPIKey  string
	StorageHost    string
	CDNHost        string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSSL       bool
	MinioPublicURL string

	OutputDir    string
	PortMin      int
	PortMax      int
	ChromePath   string
	ChromeCDPURL string
	ViewerScript string
	RenderWidth  int
	RenderHeight int
	JPEGQuality  int

	// CacheDir enables the on-disk GLB download cache when set.
	CacheDir      string
	CacheMaxBytes int64
	CacheTTL      time.Duration
}

// LoadConfig loads configuration from environment variables. A .env file in the
// working directory is read first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	minioSSL := false
	if sslEnv := os.Getenv("MINIO_SSL"); sslEnv != "" {
		val, err := strconv.ParseBool(sslEnv)
		if err != nil {
			return nil, errors.Wrap(err, "invalid MINIO_SSL value")
		}
		minioSSL = val
	}

	cfg := &Config{
		AppEnv:       getEnv("APP_ENV", "production"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DBHost:       os.Getenv("DB_HOST"),
		DBPort:       getEnv("DB_PORT", "5432"),
		DBUser:       os.Getenv("DB_USER"),
		DBPassword:   os.Getenv("DB_PASSWORD"),
		DBName:       os.Getenv("DB_NAME"),
		DBServiceKey: os.Getenv("DB_SERVICE_KEY"),
		AssetsTable:  getEnv("ASSETS_TABLE", "onboarding_assets"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendBunny)),
		StorageZone:    os.Getenv("BUNNY_STORAGE_ZONE"),
		StorageAPIKey:  os.Getenv("BUNNY_API_KEY"),
		StorageHost:    getEnv("BUNNY_STORAGE_HOSTNAME", "storage.bunnycdn.com"),
		CDNHost:        os.Getenv("BUNNY_CDN_HOSTNAME"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    os.Getenv("MINIO_BUCKET"),
		MinioSSL:       minioSSL,
		MinioPublicURL: os.Getenv("MINIO_PUBLIC_URL"),

		OutputDir:    getEnv("OUTPUT_DIR", "./glb_screenshots"),
		PortMin:      getEnvInt("ASSET_SERVER_PORT_MIN", 9000),
		PortMax:      getEnvInt("ASSET_SERVER_PORT_MAX", 9099),
		ChromePath:   os.Getenv("CHROME_PATH"),
		ChromeCDPURL: os.Getenv("CHROME_CDP_URL"),
		ViewerScript: getEnv("MODEL_VIEWER_SCRIPT_URL", defaultModelViewerScript),
		RenderWidth:  getEnvInt("RENDER_WIDTH", 1920),
		RenderHeight: getEnvInt("RENDER_HEIGHT", 1080),
		JPEGQuality:  getEnvInt("RENDER_JPEG_QUALITY", 90),

		CacheDir:      os.Getenv("GLB_CACHE_DIR"),
		CacheMaxBytes: int64(getEnvInt("GLB_CACHE_MAX_MB", 2048)) << 20,
		CacheTTL:      time.Duration(getEnvInt("GLB_CACHE_TTL_HOURS", 168)) * time.Hour,
	}

	switch cfg.StorageBackend {
	case BackendBunny:
		if cfg.StorageAPIKey == "" {
			return nil, errors.Wrap(ErrMissingStorageKey, "BUNNY_API_KEY is required")
		}
		if cfg.StorageZone == "" || cfg.CDNHost == "" {
			return nil, errors.New("storage configuration is incomplete")
		}
	case BackendMinio:
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return nil, errors.Wrap(ErrMissingStorageKey, "MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
		}
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return nil, errors.New("minio configuration is incomplete")
		}
	default:
		return nil, errors.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if cfg.DatabaseURL == "" && (cfg.DBHost == "" || cfg.DBUser == "" || cfg.DBName == "") {
		return nil, errors.New("database configuration is incomplete")
	}
	if cfg.PortMin <= 0 || cfg.PortMax < cfg.PortMin || cfg.PortMax > 65535 {
		return nil, errors.Errorf("invalid asset server port range %d-%d", cfg.PortMin, cfg.PortMax)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, errors.Errorf("invalid RENDER_JPEG_QUALITY %d", cfg.JPEGQuality)
	}
	return cfg, nil
}

// DSN returns the postgres connection string. DB_SERVICE_KEY, when set, is used
// as the password.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		if c.DBServiceKey == "" {
			return c.DatabaseURL
		}
		u, err := url.Parse(c.DatabaseURL)
		if err != nil || u.User == nil {
			return c.DatabaseURL
		}
		u.User = url.UserPassword(u.User.Username(), c.DBServiceKey)
		return u.String()
	}
	password := c.DBPassword
	if c.DBServiceKey != "" {
		password = c.DBServiceKey
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=require",
		c.DBHost, c.DBPort, c.DBUser, password, c.DBName)
}

// ConnectDatabase initializes a GORM database connection to PostgreSQL.
func ConnectDatabase(cfg *Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect database")
	}
	return db, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
