package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Cache    CacheConfig    `yaml:"cache"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Minio    MinioConfig    `yaml:"minio"`
	Redis    RedisConfig    `yaml:"redis"`
	Provider ProviderConfig `yaml:"provider"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	RateLimit       int           `yaml:"rate_limit"` // requests per minute per client
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type JobsConfig struct {
	MaxJobs       int           `yaml:"max_jobs"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxConcurrent int           `yaml:"max_concurrent"` // 0 = unbounded
}

type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LedgerConfig struct {
	Backend        string        `yaml:"backend"` // file, minio
	Path           string        `yaml:"path"`
	ObjectName     string        `yaml:"object_name"`
	InitialBalance int           `yaml:"initial_balance"`
	PriceTable     map[int64]int `yaml:"price_table"` // amount in minor units -> credits
	Lock           LockConfig    `yaml:"lock"`
}

type LockConfig struct {
	Driver     string        `yaml:"driver"` // file, redis
	Path       string        `yaml:"path"`
	Key        string        `yaml:"key"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Retries    int           `yaml:"retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

type ProviderConfig struct {
	APIURL  string        `yaml:"api_url"`
	APIKey  string        `yaml:"api_key"`
	Models  []string      `yaml:"models"`
	Timeout time.Duration `yaml:"timeout"`
}

type AnalysisConfig struct {
	Languages       []string `yaml:"languages"`
	DefaultLanguage string   `yaml:"default_language"`
	MaxContentChars int      `yaml:"max_content_chars"`
	MinContentChars int      `yaml:"min_content_chars"`
}

// DefaultPriceTable maps checkout amounts (minor currency units) to credits.
var DefaultPriceTable = map[int64]int{
	299: 20,
	599: 50,
	999: 120,
}

// DefaultInitialBalance is granted when ledger.initial_balance is absent.
// An explicit 0 is kept.
const DefaultInitialBalance = 10

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Defaults where zero is a meaningful setting are seeded before decoding
	cfg := Config{
		Ledger: LedgerConfig{InitialBalance: DefaultInitialBalance},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// A missing .env is the normal case outside local development
	_ = godotenv.Load()
	applyEnv(&cfg)
	applyDefaults(&cfg)

	GlobalConfig = &cfg
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 100
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Auth.TokenExpireHours == 0 {
		cfg.Auth.TokenExpireHours = 24
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Jobs.MaxJobs == 0 {
		cfg.Jobs.MaxJobs = 1000
	}
	if cfg.Jobs.MaxAge == 0 {
		cfg.Jobs.MaxAge = time.Hour
	}
	if cfg.Jobs.SweepInterval == 0 {
		cfg.Jobs.SweepInterval = 5 * time.Minute
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 500
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Hour
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "file"
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "data/ledger.json"
	}
	if cfg.Ledger.ObjectName == "" {
		cfg.Ledger.ObjectName = "ledger.json"
	}
	if len(cfg.Ledger.PriceTable) == 0 {
		cfg.Ledger.PriceTable = make(map[int64]int, len(DefaultPriceTable))
		for amount, credits := range DefaultPriceTable {
			cfg.Ledger.PriceTable[amount] = credits
		}
	}

	lock := &cfg.Ledger.Lock
	if lock.Driver == "" {
		lock.Driver = "file"
	}
	if lock.Path == "" {
		lock.Path = cfg.Ledger.Path + ".lock"
	}
	if lock.Key == "" {
		lock.Key = "pagelens:ledger:lock"
	}
	if lock.StaleAfter == 0 {
		lock.StaleAfter = 10 * time.Second
	}
	if lock.Retries == 0 {
		lock.Retries = 50
	}
	if lock.Backoff == 0 {
		lock.Backoff = 10 * time.Millisecond
	}

	if cfg.Provider.APIURL == "" {
		cfg.Provider.APIURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if len(cfg.Provider.Models) == 0 {
		cfg.Provider.Models = []string{"gemini-2.0-flash", "gemini-1.5-flash"}
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 60 * time.Second
	}

	if len(cfg.Analysis.Languages) == 0 {
		cfg.Analysis.Languages = []string{"en", "es", "fr", "de", "pt", "it", "ja", "zh"}
	}
	if cfg.Analysis.DefaultLanguage == "" {
		cfg.Analysis.DefaultLanguage = cfg.Analysis.Languages[0]
	}
	if cfg.Analysis.MaxContentChars == 0 {
		cfg.Analysis.MaxContentChars = 20000
	}
	if cfg.Analysis.MinContentChars == 0 {
		cfg.Analysis.MinContentChars = 50
	}
}

// applyEnv lets secrets and backend selection come from the environment
func applyEnv(cfg *Config) {
	setString(&cfg.Auth.JWTSecret, "PAGELENS_JWT_SECRET")
	setString(&cfg.Ledger.Backend, "PAGELENS_LEDGER_BACKEND")
	setString(&cfg.Ledger.Path, "PAGELENS_LEDGER_PATH")
	setString(&cfg.Ledger.Lock.Driver, "PAGELENS_LOCK_DRIVER")
	setString(&cfg.Minio.Endpoint, "PAGELENS_MINIO_ENDPOINT")
	setString(&cfg.Minio.AccessKey, "PAGELENS_MINIO_ACCESS_KEY")
	setString(&cfg.Minio.SecretKey, "PAGELENS_MINIO_SECRET_KEY")
	setString(&cfg.Minio.Bucket, "PAGELENS_MINIO_BUCKET")
	setString(&cfg.Redis.URL, "PAGELENS_REDIS_URL")
	setString(&cfg.Redis.Password, "PAGELENS_REDIS_PASSWORD")
	setString(&cfg.Provider.APIKey, "PAGELENS_PROVIDER_API_KEY")
	setString(&cfg.Log.Level, "PAGELENS_LOG_LEVEL")

	if v := os.Getenv("PAGELENS_PROVIDER_MODELS"); v != "" {
		var models []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
		cfg.Provider.Models = models
	}
	if v := os.Getenv("PAGELENS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
