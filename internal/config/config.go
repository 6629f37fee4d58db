// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアとブローカーのドライバー名
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	BrokerAMQP  = "amqp"
	BrokerAsynq = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port            string        // APIサーバーのポート番号
	GinMode         string        // Ginの実行モード (debug, release, test)
	AppEnv          string        // 実行環境 (development, production)
	LogLevel        string        // ログレベル (debug, info, warn, error)
	ShutdownTimeout time.Duration // グレースフルシャットダウンの待ち時間

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブストア設定
	StoreDriver      string // redis / postgres / sqlite
	DatabaseURL      string // PostgreSQL 接続URL
	SQLitePath       string // SQLite データベースファイル
	RedisURL         string // Redis 接続URL（redis ストアと asynq で共用）
	JobExpireMinutes int    // Redis 上のジョブ有効期限（分）。0 は無期限

	// ブローカー設定
	BrokerDriver          string // amqp / asynq
	RabbitMQHost          string
	RabbitMQPort          int
	RabbitMQUser          string
	RabbitMQPassword      string
	RabbitMQVHost         string
	QueueName             string        // 生成ジョブのキュー名
	PublishMaxAttempts    int           // 投入の最大試行回数
	PublishRetryBase      time.Duration // 投入リトライの初期間隔
	PublishConfirmTimeout time.Duration // publisher confirm の待ち時間

	// ワーカーからの状態報告
	UpdateQueueName       string // 状態報告タスクの asynq キュー名
	UpdateConsumerEnabled bool   // asynq 経由の状態報告を受け付けるか
	WorkerCallbackToken   string // HTTP コールバック用の共有トークン（空なら無効）

	// 滞留ジョブの掃除
	ReconcileSchedule string
	PendingTimeout    time.Duration
	InProgressTimeout time.Duration
	ReconcileBatch    int
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	storeDriver := strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite))
	brokerDriver := strings.ToLower(getEnv("BROKER_DRIVER", BrokerAMQP))
	// 更新コンシューマーは Redis を使う構成のときだけ既定で有効にする
	usesRedis := storeDriver == StoreRedis || brokerDriver == BrokerAsynq || os.Getenv("REDIS_URL") != ""

	config := &Config{
		// サーバー設定
		Port:            getEnv("PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "debug"),
		AppEnv:          getEnv("APP_ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", ""),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// ジョブストア設定
		StoreDriver:      storeDriver,
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", "data/content-droid.db"),
		RedisURL:         getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 0),

		// ブローカー設定
		BrokerDriver:          brokerDriver,
		RabbitMQHost:          getEnv("RABBITMQ_HOST", "localhost"),
		RabbitMQPort:          getEnvAsInt("RABBITMQ_PORT", 5672),
		RabbitMQUser:          getEnv("RABBITMQ_USER", "guest"),
		RabbitMQPassword:      getEnv("RABBITMQ_PASSWORD", "guest"),
		RabbitMQVHost:         getEnv("RABBITMQ_VHOST", "/"),
		QueueName:             getEnv("QUEUE_NAME", "videos"),
		PublishMaxAttempts:    getEnvAsInt("PUBLISH_MAX_ATTEMPTS", 3),
		PublishRetryBase:      getEnvAsDuration("PUBLISH_RETRY_BASE", 200*time.Millisecond),
		PublishConfirmTimeout: getEnvAsDuration("PUBLISH_CONFIRM_TIMEOUT", 5*time.Second),

		// ワーカーからの状態報告
		UpdateQueueName:       getEnv("UPDATE_QUEUE_NAME", "video-updates"),
		UpdateConsumerEnabled: getEnvAsBool("UPDATE_CONSUMER_ENABLED", usesRedis),
		WorkerCallbackToken:   getEnv("WORKER_CALLBACK_TOKEN", ""),

		// 滞留ジョブの掃除
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@every 1m"),
		PendingTimeout:    getEnvAsDuration("PENDING_TIMEOUT", 15*time.Minute),
		InProgressTimeout: getEnvAsDuration("IN_PROGRESS_TIMEOUT", time.Hour),
		ReconcileBatch:    getEnvAsInt("RECONCILE_BATCH", 100),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。外部から渡される接続情報は空でないことだけを確認します。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("PORT is required")
	}

	switch c.StoreDriver {
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if strings.TrimSpace(c.QueueName) == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	switch c.BrokerDriver {
	case BrokerAMQP:
		required := map[string]string{
			"RABBITMQ_HOST":     c.RabbitMQHost,
			"RABBITMQ_USER":     c.RabbitMQUser,
			"RABBITMQ_PASSWORD": c.RabbitMQPassword,
			"RABBITMQ_VHOST":    c.RabbitMQVHost,
		}
		for _, key := range []string{"RABBITMQ_HOST", "RABBITMQ_USER", "RABBITMQ_PASSWORD", "RABBITMQ_VHOST"} {
			if strings.TrimSpace(required[key]) == "" {
				return fmt.Errorf("%s is required when BROKER_DRIVER=amqp", key)
			}
		}
		if c.RabbitMQPort <= 0 || c.RabbitMQPort > 65535 {
			return fmt.Errorf("RABBITMQ_PORT must be a valid port, got %d", c.RabbitMQPort)
		}
	case BrokerAsynq:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required when BROKER_DRIVER=asynq")
		}
	default:
		return fmt.Errorf("unknown BROKER_DRIVER %q", c.BrokerDriver)
	}

	if c.UpdateConsumerEnabled {
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required when UPDATE_CONSUMER_ENABLED=true")
		}
		if strings.TrimSpace(c.UpdateQueueName) == "" {
			return fmt.Errorf("UPDATE_QUEUE_NAME is required when UPDATE_CONSUMER_ENABLED=true")
		}
	}

	if c.PublishMaxAttempts <= 0 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be positive, got %d", c.PublishMaxAttempts)
	}

	// 本番では CORS を明示させる
	if c.GinMode == "release" && strings.TrimSpace(c.CORSAllowedOrigins) == "" {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS is required in release mode")
	}

	return nil
}

// JobTTL は Redis ストアのレコード有効期限を返します。
func (c *Config) JobTTL() time.Duration {
	if c.JobExpireMinutes <= 0 {
		return 0
	}
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "30s", "15m"）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
