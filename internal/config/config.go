package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Queue    QueueConfig
	Cache    CacheConfig
	Services ServicesConfig
}

type ServerConfig struct {
	Port string
}

type DBConfig struct {
	Path string
}

type QueueConfig struct {
	MaxActive        int
	CompletedHistory int
	JobTimeout       time.Duration
	BackoffBase      time.Duration
	StuckGrace       time.Duration
	StuckHard        time.Duration
}

type CacheConfig struct {
	TTL             time.Duration
	PhotoSettle     time.Duration
	IngredientDelay time.Duration
}

type ServicesConfig struct {
	RecognitionURL string
	RecognitionKey string
	ImageURL       string
	ImageKey       string
	Timeout        time.Duration
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("db.path", "DB_PATH")
	_ = viper.BindEnv("queue.max_active", "QUEUE_MAX_ACTIVE")
	_ = viper.BindEnv("queue.completed_history", "QUEUE_COMPLETED_HISTORY")
	_ = viper.BindEnv("queue.job_timeout_sec", "QUEUE_JOB_TIMEOUT_SEC")
	_ = viper.BindEnv("queue.backoff_base_ms", "QUEUE_BACKOFF_BASE_MS")
	_ = viper.BindEnv("queue.stuck_grace_sec", "QUEUE_STUCK_GRACE_SEC")
	_ = viper.BindEnv("queue.stuck_hard_sec", "QUEUE_STUCK_HARD_SEC")
	_ = viper.BindEnv("cache.ttl_sec", "CACHE_TTL_SEC")
	_ = viper.BindEnv("services.recognition_url", "RECOGNITION_URL")
	_ = viper.BindEnv("services.recognition_key", "RECOGNITION_API_KEY")
	_ = viper.BindEnv("services.image_url", "IMAGE_SERVICE_URL")
	_ = viper.BindEnv("services.image_key", "IMAGE_SERVICE_API_KEY")
	_ = viper.BindEnv("services.timeout_sec", "SERVICES_TIMEOUT_SEC")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("db.path", "scanjobs.db")
	viper.SetDefault("queue.max_active", 10)
	viper.SetDefault("queue.completed_history", 20)
	viper.SetDefault("queue.job_timeout_sec", 60)
	viper.SetDefault("queue.backoff_base_ms", 1000)
	viper.SetDefault("queue.stuck_grace_sec", 120)
	viper.SetDefault("queue.stuck_hard_sec", 300)
	viper.SetDefault("cache.ttl_sec", 600)
	viper.SetDefault("cache.photo_settle_ms", 1000)
	viper.SetDefault("cache.ingredient_delay_ms", 2000)
	viper.SetDefault("services.recognition_url", "http://localhost:8081")
	viper.SetDefault("services.image_url", "http://localhost:8082")
	viper.SetDefault("services.timeout_sec", 55)

	// Config file is optional; env vars and defaults cover everything.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
		},
		DB: DBConfig{
			Path: viper.GetString("db.path"),
		},
		Queue: QueueConfig{
			MaxActive:        viper.GetInt("queue.max_active"),
			CompletedHistory: viper.GetInt("queue.completed_history"),
			JobTimeout:       time.Duration(viper.GetInt("queue.job_timeout_sec")) * time.Second,
			BackoffBase:      time.Duration(viper.GetInt("queue.backoff_base_ms")) * time.Millisecond,
			StuckGrace:       time.Duration(viper.GetInt("queue.stuck_grace_sec")) * time.Second,
			StuckHard:        time.Duration(viper.GetInt("queue.stuck_hard_sec")) * time.Second,
		},
		Cache: CacheConfig{
			TTL:             time.Duration(viper.GetInt("cache.ttl_sec")) * time.Second,
			PhotoSettle:     time.Duration(viper.GetInt("cache.photo_settle_ms")) * time.Millisecond,
			IngredientDelay: time.Duration(viper.GetInt("cache.ingredient_delay_ms")) * time.Millisecond,
		},
		Services: ServicesConfig{
			RecognitionURL: viper.GetString("services.recognition_url"),
			RecognitionKey: viper.GetString("services.recognition_key"),
			ImageURL:       viper.GetString("services.image_url"),
			ImageKey:       viper.GetString("services.image_key"),
			Timeout:        time.Duration(viper.GetInt("services.timeout_sec")) * time.Second,
		},
	}
	return cfg, nil
}
