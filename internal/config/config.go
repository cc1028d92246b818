package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Jobs      JobsConfig
	Engines   EnginesConfig
	Separator SeparatorConfig
	R2        R2Config
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	BodyLimitMB int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled     bool
	JobsPerHour int
	MixPerHour  int
}

type StorageConfig struct {
	DataDir string
}

// UploadsDir holds raw uploads, one directory per job.
func (s StorageConfig) UploadsDir() string {
	return s.DataDir + "/uploads"
}

// ResultsDir holds stems and derived artifacts, one directory per job.
func (s StorageConfig) ResultsDir() string {
	return s.DataDir + "/results"
}

type JobsConfig struct {
	MaxConcurrent      int
	MaxDurationSeconds int
	TTLHours           int
	StageTimeout       int // minutes
	CleanupCron        string
	MaxUploadMB        int
}

func (j JobsConfig) TTL() time.Duration {
	return time.Duration(j.TTLHours) * time.Hour
}

func (j JobsConfig) StageTimeoutDuration() time.Duration {
	return time.Duration(j.StageTimeout) * time.Minute
}

type EnginesConfig struct {
	YtDlpPath   string
	FFmpegPath  string
	FFprobePath string
}

type SeparatorConfig struct {
	ServiceURL string
	Timeout    int // seconds
	Device     string
	Model      string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// Enabled reports whether enough R2 settings are present to mirror artifacts.
func (r R2Config) Enabled() bool {
	return r.AccountID != "" && r.AccessKeyID != "" && r.SecretAccessKey != "" && r.BucketName != ""
}

func Load() (*Config, error) {
	// Local development overrides; missing file is fine
	_ = godotenv.Load(".env")

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.body_limit_mb", "BODY_LIMIT_MB")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("ratelimit.enabled", "RATE_LIMIT_ENABLED")
	_ = v.BindEnv("ratelimit.jobs_per_hour", "RATE_LIMIT_JOBS_PER_HOUR")
	_ = v.BindEnv("ratelimit.mix_per_hour", "RATE_LIMIT_MIX_PER_HOUR")
	_ = v.BindEnv("storage.data_dir", "DATA_DIR")
	_ = v.BindEnv("jobs.max_concurrent", "MAX_CONCURRENT_JOBS")
	_ = v.BindEnv("jobs.max_duration_seconds", "MAX_VIDEO_DURATION")
	_ = v.BindEnv("jobs.ttl_hours", "JOB_TTL_HOURS")
	_ = v.BindEnv("jobs.stage_timeout", "STAGE_TIMEOUT_MINUTES")
	_ = v.BindEnv("jobs.cleanup_cron", "CLEANUP_CRON")
	_ = v.BindEnv("jobs.max_upload_mb", "MAX_UPLOAD_MB")
	_ = v.BindEnv("engines.ytdlp_path", "YTDLP_PATH")
	_ = v.BindEnv("engines.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("engines.ffprobe_path", "FFPROBE_PATH")
	_ = v.BindEnv("separator.service_url", "SEPARATOR_SERVICE_URL")
	_ = v.BindEnv("separator.timeout", "SEPARATOR_TIMEOUT")
	_ = v.BindEnv("separator.device", "SEPARATOR_DEVICE")
	_ = v.BindEnv("separator.model", "SEPARATOR_MODEL")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.body_limit_mb", 512)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.jobs_per_hour", 10)
	v.SetDefault("ratelimit.mix_per_hour", 60)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("jobs.max_concurrent", 2)
	v.SetDefault("jobs.max_duration_seconds", 600)
	v.SetDefault("jobs.ttl_hours", 24)
	v.SetDefault("jobs.stage_timeout", 30)
	v.SetDefault("jobs.cleanup_cron", "@every 10m")
	v.SetDefault("jobs.max_upload_mb", 500)

	// Engine defaults
	v.SetDefault("engines.ytdlp_path", "yt-dlp")
	v.SetDefault("engines.ffmpeg_path", "ffmpeg")
	v.SetDefault("engines.ffprobe_path", "ffprobe")

	// Separation service defaults
	v.SetDefault("separator.service_url", "http://localhost:8084")
	v.SetDefault("separator.timeout", 1800)
	v.SetDefault("separator.device", "cpu")
	v.SetDefault("separator.model", "htdemucs")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("server.port"),
			Env:         v.GetString("server.env"),
			LogLevel:    v.GetString("server.log_level"),
			BodyLimitMB: v.GetInt("server.body_limit_mb"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			Enabled:     v.GetBool("ratelimit.enabled"),
			JobsPerHour: v.GetInt("ratelimit.jobs_per_hour"),
			MixPerHour:  v.GetInt("ratelimit.mix_per_hour"),
		},
		Storage: StorageConfig{
			DataDir: strings.TrimRight(v.GetString("storage.data_dir"), "/"),
		},
		Jobs: JobsConfig{
			MaxConcurrent:      v.GetInt("jobs.max_concurrent"),
			MaxDurationSeconds: v.GetInt("jobs.max_duration_seconds"),
			TTLHours:           v.GetInt("jobs.ttl_hours"),
			StageTimeout:       v.GetInt("jobs.stage_timeout"),
			CleanupCron:        v.GetString("jobs.cleanup_cron"),
			MaxUploadMB:        v.GetInt("jobs.max_upload_mb"),
		},
		Engines: EnginesConfig{
			YtDlpPath:   v.GetString("engines.ytdlp_path"),
			FFmpegPath:  v.GetString("engines.ffmpeg_path"),
			FFprobePath: v.GetString("engines.ffprobe_path"),
		},
		Separator: SeparatorConfig{
			ServiceURL: v.GetString("separator.service_url"),
			Timeout:    v.GetInt("separator.timeout"),
			Device:     v.GetString("separator.device"),
			Model:      v.GetString("separator.model"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
	}

	return cfg, nil
}
