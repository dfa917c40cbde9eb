package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// ベクトルインデックス設定
	VectorIndex VectorIndexConfig

	// LLM / Embedding プロバイダ設定（OpenAI互換API）
	Provider ProviderConfig

	// 分類・正規化パイプライン設定
	Pipeline PipelineConfig

	// HTTPサーバ設定
	Server ServerConfig

	// ログ設定
	Log LogConfig
}

// DatabaseConfig はリレーショナルストアの接続設定
type DatabaseConfig struct {
	Driver     string // "postgres" or "sqlite"
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
}

// VectorIndexConfig はベクトルインデックスの設定
type VectorIndexConfig struct {
	Backend        string        // "memory" or "pgvector"
	ResyncInterval time.Duration // 0 の場合は定期再構築を行わない
}

// ProviderConfig はEmbedding/チャットAPIの接続設定
type ProviderConfig struct {
	BaseURL            string
	APIKey             string
	LLMModel           string
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingMaxBatch  int
	Timeout            time.Duration
	RequestsPerSecond  float64
}

// PipelineConfig はバッチ処理と検索の設定
type PipelineConfig struct {
	Concurrency       int
	TaskTimeout       time.Duration
	TypeMinSimilarity float64
}

// ServerConfig はHTTPサーバ設定
type ServerConfig struct {
	Port int
}

// LogConfig はログ出力設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvAsInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "prodrag"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "prodrag"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("SQLITE_PATH", "database.db"),
		},
		VectorIndex: VectorIndexConfig{
			Backend:        getEnv("VECTOR_INDEX_BACKEND", "memory"),
			ResyncInterval: getEnvAsDuration("INDEX_RESYNC_INTERVAL", 0),
		},
		Provider: ProviderConfig{
			BaseURL:            getEnv("LLM_BASE_URL", "http://localhost:11434/v1"),
			APIKey:             getEnv("API_KEY", "Ollama"),
			LLMModel:           getEnv("LLM_MODEL", "qwen3:8b"),
			EmbeddingModel:     getEnv("EMBED_MODEL", "nomic-embed-text:latest"),
			EmbeddingDimension: getEnvAsInt("EMBED_DIMENSION", 0),
			EmbeddingMaxBatch:  getEnvAsInt("EMBED_MAX_BATCH", 256),
			Timeout:            getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
			RequestsPerSecond:  getEnvAsFloat("LLM_REQUESTS_PER_SECOND", 0),
		},
		Pipeline: PipelineConfig{
			Concurrency:       getEnvAsInt("PIPELINE_CONCURRENCY", 8),
			TaskTimeout:       getEnvAsDuration("PIPELINE_TASK_TIMEOUT", 120*time.Second),
			TypeMinSimilarity: getEnvAsFloat("TYPE_MIN_SIMILARITY", 0),
		},
		Server: ServerConfig{
			Port: getEnvAsInt("HTTP_PORT", 8000),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の組み合わせを検証します
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %q", c.Database.Driver)
	}

	switch c.VectorIndex.Backend {
	case "memory":
	case "pgvector":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("VECTOR_INDEX_BACKEND=pgvector requires DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported VECTOR_INDEX_BACKEND: %q", c.VectorIndex.Backend)
	}

	if c.Pipeline.TypeMinSimilarity < 0 || c.Pipeline.TypeMinSimilarity > 1 {
		return fmt.Errorf("TYPE_MIN_SIMILARITY must be within [0, 1]")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
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

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します
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
