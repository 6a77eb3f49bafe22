package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Vision    VisionConfig
	Batch     BatchConfig
	Imaging   ImagingConfig
	R2        R2Config
	OIDC      OIDCConfig
	Engine    EngineConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	JobsPerHour     int
	WorkflowPerMin  int
}

// VisionConfig points at the synchronous OpenAI-compatible vision API used
// by the chunk executor for recognition and translation.
type VisionConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int // seconds
}

// BatchConfig points at the asynchronous batch API of the same provider.
type BatchConfig struct {
	APIKey  string
	BaseURL string
	Timeout int // seconds
}

// ImagingConfig points at the internal imaging microservice (crop detection,
// layout-split detection).
type ImagingConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

// EngineConfig carries the orchestration knobs: chunk sizes per strategy,
// worker pool width, invocation time budget, batch grouping limits, poll
// delay and the staleness threshold.
type EngineConfig struct {
	ChunkSizeSequential int
	ChunkSizeParallel   int
	Concurrency         int
	InvocationBudget    int // seconds
	PrepareGroupSize    int
	ProviderBatchLimit  int
	BatchPollDelay      int // seconds
	StalenessThreshold  int // minutes
	SweepInterval       int // minutes
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("VISION_API_KEY")
	readSecret("BATCH_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("vision.api_key", "VISION_API_KEY")
	_ = viper.BindEnv("vision.base_url", "VISION_BASE_URL")
	_ = viper.BindEnv("vision.model", "VISION_MODEL")
	_ = viper.BindEnv("vision.timeout", "VISION_TIMEOUT")
	_ = viper.BindEnv("batch.api_key", "BATCH_API_KEY")
	_ = viper.BindEnv("batch.base_url", "BATCH_BASE_URL")
	_ = viper.BindEnv("batch.timeout", "BATCH_TIMEOUT")
	_ = viper.BindEnv("imaging.service_url", "IMAGING_SERVICE_URL")
	_ = viper.BindEnv("imaging.timeout", "IMAGING_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("engine.chunk_size_sequential", "ENGINE_CHUNK_SIZE_SEQUENTIAL")
	_ = viper.BindEnv("engine.chunk_size_parallel", "ENGINE_CHUNK_SIZE_PARALLEL")
	_ = viper.BindEnv("engine.concurrency", "ENGINE_CONCURRENCY")
	_ = viper.BindEnv("engine.invocation_budget", "ENGINE_INVOCATION_BUDGET")
	_ = viper.BindEnv("engine.prepare_group_size", "ENGINE_PREPARE_GROUP_SIZE")
	_ = viper.BindEnv("engine.provider_batch_limit", "ENGINE_PROVIDER_BATCH_LIMIT")
	_ = viper.BindEnv("engine.batch_poll_delay", "ENGINE_BATCH_POLL_DELAY")
	_ = viper.BindEnv("engine.staleness_threshold", "ENGINE_STALENESS_THRESHOLD")
	_ = viper.BindEnv("engine.sweep_interval", "ENGINE_SWEEP_INTERVAL")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("ratelimit.jobs_per_hour", 30)
	viper.SetDefault("ratelimit.workflow_per_min", 60)

	// Vision API defaults
	viper.SetDefault("vision.base_url", "https://api.openai.com/v1")
	viper.SetDefault("vision.model", "gpt-4o-mini")
	viper.SetDefault("vision.timeout", 120)

	// Batch API defaults
	viper.SetDefault("batch.base_url", "https://api.openai.com/v1")
	viper.SetDefault("batch.timeout", 60)

	// Imaging service defaults
	viper.SetDefault("imaging.service_url", "http://localhost:8084")
	viper.SetDefault("imaging.timeout", 120)

	// Engine defaults: sequential pipelines carry two AI round-trips per page
	// and must fit the invocation budget; parallel pipelines are cheap.
	viper.SetDefault("engine.chunk_size_sequential", 5)
	viper.SetDefault("engine.chunk_size_parallel", 20)
	viper.SetDefault("engine.concurrency", 4)
	viper.SetDefault("engine.invocation_budget", 50)
	viper.SetDefault("engine.prepare_group_size", 20)
	viper.SetDefault("engine.provider_batch_limit", 50)
	viper.SetDefault("engine.batch_poll_delay", 30)
	viper.SetDefault("engine.staleness_threshold", 10)
	viper.SetDefault("engine.sweep_interval", 5)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour:    viper.GetInt("ratelimit.jobs_per_hour"),
			WorkflowPerMin: viper.GetInt("ratelimit.workflow_per_min"),
		},
		Vision: VisionConfig{
			APIKey:  viper.GetString("vision.api_key"),
			BaseURL: viper.GetString("vision.base_url"),
			Model:   viper.GetString("vision.model"),
			Timeout: viper.GetInt("vision.timeout"),
		},
		Batch: BatchConfig{
			APIKey:  viper.GetString("batch.api_key"),
			BaseURL: viper.GetString("batch.base_url"),
			Timeout: viper.GetInt("batch.timeout"),
		},
		Imaging: ImagingConfig{
			ServiceURL: viper.GetString("imaging.service_url"),
			Timeout:    viper.GetInt("imaging.timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		OIDC: OIDCConfig{
			Issuer:   viper.GetString("oidc.issuer"),
			ClientID: viper.GetString("oidc.client_id"),
		},
		Engine: EngineConfig{
			ChunkSizeSequential: viper.GetInt("engine.chunk_size_sequential"),
			ChunkSizeParallel:   viper.GetInt("engine.chunk_size_parallel"),
			Concurrency:         viper.GetInt("engine.concurrency"),
			InvocationBudget:    viper.GetInt("engine.invocation_budget"),
			PrepareGroupSize:    viper.GetInt("engine.prepare_group_size"),
			ProviderBatchLimit:  viper.GetInt("engine.provider_batch_limit"),
			BatchPollDelay:      viper.GetInt("engine.batch_poll_delay"),
			StalenessThreshold:  viper.GetInt("engine.staleness_threshold"),
			SweepInterval:       viper.GetInt("engine.sweep_interval"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
