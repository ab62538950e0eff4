package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine      EngineConfig
	Cache       CacheConfig
	External    ExternalConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	S3          S3Config
	Proxy       ProxyConfig
	Scheduler   SchedulerConfig
	HTTPAddr    string
	LogLevel    string
	LogPath     string
	LogColor    bool
	SourcesDir  string
	Primary     *SourceConfig
	Secondary   *MarketplaceConfig
	WarmQueries []WarmQuery
}

type EngineConfig struct {
	Concurrency     int
	MaxPages        int
	DefaultPages    int
	Freshness       time.Duration
	PageRetries     int
	RetryBackoff    time.Duration
	NavTimeout      time.Duration
	PageSize        int
	UFToCLP         float64
	StalledLease    time.Duration
	SweepInterval   time.Duration
	ArchiveInterval time.Duration
}

type CacheConfig struct {
	RunTTL      time.Duration
	ExternalTTL time.Duration
}

type ExternalConfig struct {
	DetailConcurrency int
	DetailBudget      time.Duration
	RatePerSec        int
	Limit             int
}

type DatabaseConfig struct {
	URL            string
	Path           string
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type ProxyConfig struct {
	URL string
}

type SchedulerConfig struct {
	RefreshCron string
}

// SourceConfig describes the page-scraped classifieds source.
type SourceConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Handler         string            `yaml:"handler"`
	BaseURL         string            `yaml:"base_url"`
	AllowedHosts    []string          `yaml:"allowed_hosts"`
	DefaultRegion   string            `yaml:"default_region"`
	DefaultCategory string            `yaml:"default_category"`
	CategorySlugs   map[string]string `yaml:"category_slugs"`
	QueryParams     map[string]string `yaml:"query_params"`
	WaitSelector    string            `yaml:"wait_selector"`
	UserAgent       string            `yaml:"user_agent"`
}

// MarketplaceConfig describes the secondary search API and its HTML fallback.
type MarketplaceConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	APIBaseURL      string `yaml:"api_base_url"`
	SiteID          string `yaml:"site_id"`
	CategoryID      string `yaml:"category_id"`
	FallbackBaseURL string `yaml:"fallback_base_url"`
	DefaultStateID  string `yaml:"default_state_id"`
	DefaultCity     string `yaml:"default_city"`
	DefaultQuery    string `yaml:"default_query"`
	UserAgent       string `yaml:"user_agent"`
}

type WarmQuery struct {
	Region     string `yaml:"region"`
	Category   string `yaml:"category"`
	SearchTerm string `yaml:"search"`
	Pages      string `yaml:"pages"`
}

type sourcesFile struct {
	Primary     *SourceConfig      `yaml:"primary"`
	Secondary   *MarketplaceConfig `yaml:"secondary"`
	WarmQueries []WarmQuery        `yaml:"warm_queries"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	maxPages := clampInt(getEnvInt("SCRAPE_RUN_MAX_PAGES", 50), 1, 200)

	cfg := &Config{
		Engine: EngineConfig{
			Concurrency:     clampInt(getEnvInt("SCRAPE_CONCURRENCY", 3), 1, 16),
			MaxPages:        maxPages,
			DefaultPages:    clampInt(getEnvInt("SCRAPE_RUN_DEFAULT_PAGES", 3), 1, maxPages),
			Freshness:       time.Duration(clampInt(getEnvInt("SCRAPE_RUN_TTL_MINUTES", 60), 1, 1440)) * time.Minute,
			PageRetries:     clampInt(getEnvInt("SCRAPE_RUN_PAGE_RETRIES", 2), 0, 10),
			RetryBackoff:    clampDuration(getEnvDuration("SCRAPE_RETRY_BACKOFF", 2*time.Second), 100*time.Millisecond, 30*time.Second),
			NavTimeout:      clampDuration(getEnvDuration("SCRAPE_NAV_TIMEOUT", 90*time.Second), 5*time.Second, 3*time.Minute),
			PageSize:        clampInt(getEnvInt("LISTING_PAGE_SIZE", 20), 1, 100),
			UFToCLP:         float64(clampInt(getEnvInt("UF_TO_CLP_RATE", 37000), 1, 1000000)),
			StalledLease:    clampDuration(getEnvDuration("STALLED_PAGE_LEASE", 10*time.Minute), time.Minute, 2*time.Hour),
			SweepInterval:   clampDuration(getEnvDuration("SWEEP_INTERVAL", 5*time.Minute), 30*time.Second, time.Hour),
			ArchiveInterval: clampDuration(getEnvDuration("ARCHIVE_INTERVAL", 15*time.Minute), time.Minute, 24*time.Hour),
		},
		Cache: CacheConfig{
			RunTTL:      clampDuration(getEnvDuration("RUN_CACHE_TTL", 2*time.Minute), time.Second, 15*time.Minute),
			ExternalTTL: clampDuration(getEnvDuration("EXTERNAL_CACHE_TTL", 3*time.Minute), 30*time.Second, 15*time.Minute),
		},
		External: ExternalConfig{
			DetailConcurrency: clampInt(getEnvInt("EXTERNAL_DETAIL_CONCURRENCY", 3), 1, 8),
			DetailBudget:      clampDuration(getEnvDuration("EXTERNAL_DETAIL_BUDGET", 6*time.Second), time.Second, 30*time.Second),
			RatePerSec:        clampInt(getEnvInt("EXTERNAL_RATE_PER_SEC", 5), 1, 20),
			Limit:             clampInt(getEnvInt("EXTERNAL_LIMIT", 8), 1, 24),
		},
		Database: DatabaseConfig{
			URL:            os.Getenv("DATABASE_URL"),
			Path:           getEnv("DB_PATH", "runs.db"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		Scheduler: SchedulerConfig{
			RefreshCron: os.Getenv("REFRESH_CRON"),
		},
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPath:    getEnv("LOG_PATH", "engine.log"),
		LogColor:   getEnvBool("LOG_COLOR", true),
		SourcesDir: getEnv("SOURCES_DIR", "config/sources"),
	}

	if err := cfg.loadSourceConfigs(); err != nil {
		return nil, err
	}
	cfg.applySourceDefaults()

	return cfg, nil
}

func (c *Config) loadSourceConfigs() error {
	entries, err := os.ReadDir(c.SourcesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(c.SourcesDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var file sourcesFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return err
		}

		if file.Primary != nil {
			c.Primary = file.Primary
		}
		if file.Secondary != nil {
			c.Secondary = file.Secondary
		}
		c.WarmQueries = append(c.WarmQueries, file.WarmQueries...)
	}

	return nil
}

func (c *Config) applySourceDefaults() {
	if c.Primary == nil {
		c.Primary = DefaultPrimarySource()
	}
	if c.Secondary == nil {
		c.Secondary = DefaultMarketplace()
	}
	if c.Primary.DefaultRegion == "" {
		c.Primary.DefaultRegion = "maule"
	}
	if c.Primary.DefaultCategory == "" {
		c.Primary.DefaultCategory = "inmuebles"
	}
	if c.Primary.Handler == "" {
		c.Primary.Handler = "browser"
	}
}

// DefaultPrimarySource is used when no YAML file declares the classifieds source.
func DefaultPrimarySource() *SourceConfig {
	return &SourceConfig{
		ID:              "yapo",
		Name:            "Yapo",
		Handler:         "browser",
		BaseURL:         "https://www.yapo.cl/searchresult",
		AllowedHosts:    []string{"yapo.cl", "www.yapo.cl"},
		DefaultRegion:   "maule",
		DefaultCategory: "inmuebles",
		CategorySlugs: map[string]string{
			"inmuebles":     "bienes-raices",
			"bienes-raices": "bienes-raices",
		},
		QueryParams: map[string]string{
			"ca":  "15_s",
			"w":   "1",
			"ret": "2",
			"cmn": "1",
			"cm":  "1",
		},
		WaitSelector: "#currentlistings",
	}
}

// DefaultMarketplace is used when no YAML file declares the secondary source.
func DefaultMarketplace() *MarketplaceConfig {
	return &MarketplaceConfig{
		ID:              "mercadolibre",
		Name:            "Mercado Libre",
		APIBaseURL:      "https://api.mercadolibre.com",
		SiteID:          "MLC",
		CategoryID:      "MLC1692",
		FallbackBaseURL: "https://listado.mercadolibre.cl",
		DefaultStateID:  "CL-MA",
		DefaultCity:     "talca",
		DefaultQuery:    "departamento talca arriendo",
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or bare milliseconds ("120000").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
