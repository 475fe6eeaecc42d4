package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DataDirName = "data"

type Config struct {
	ListenAddr string

	// 画像生成設定
	Generation        GenerationConfig
	OpenAIBaseURL     string
	OpenAIOrg         string
	OpenAIImageModel  string
	FetchTimeout      time.Duration
	GenerationTimeout time.Duration

	// Storage
	ImageStorageDir string
	PublicBaseURL   string
	ServeStorage    bool
	FigureStore     string
	FigureStoreFile string
	RedisURL        string
	RedisPrefix     string

	// レート制限
	GenerationRatePerMinute int
	GenerationBurst         int

	// Slack
	SlackBotToken       string
	SlackErrorChannelID string
}

// GenerationConfig is the configuration injected into the image provider
// and fetcher. It never comes from global state.
type GenerationConfig struct {
	Credential    string
	TrustRootPath string
	Timeout       time.Duration
}

// String masks the credential so the config can be logged safely.
func (c GenerationConfig) String() string {
	cred := "(unset)"
	if c.Credential != "" {
		cred = "****"
	}
	return fmt.Sprintf("GenerationConfig{Credential:%s TrustRootPath:%q Timeout:%s}", cred, c.TrustRootPath, c.Timeout)
}

// LoadEnvironment loads a .env file into the process environment.
// A missing file is not fatal so plain environment variables keep working.
func LoadEnvironment(envPath string) {
	if envPath == "" {
		envPath = getFilePath(".env")
	}

	if err := godotenv.Load(envPath); err != nil {
		log.Printf(".envファイルが見つかりません (環境変数のみで起動します): %s", envPath)
		return
	}
	log.Printf(".envファイルを読み込みました: %s", envPath)
}

func LoadConfig() *Config {
	return &Config{
		ListenAddr: getEnvWithDefault("LISTEN_ADDR", ":8080"),

		Generation: GenerationConfig{
			Credential:    os.Getenv("OPENAI_API_KEY"),
			TrustRootPath: os.Getenv("TRUST_ROOT_PATH"),
			Timeout:       parseDurationWithDefault(os.Getenv("PROVIDER_TIMEOUT"), 60*time.Second),
		},
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		OpenAIOrg:         os.Getenv("OPENAI_ORGANIZATION"),
		OpenAIImageModel:  getEnvWithDefault("OPENAI_IMAGE_MODEL", "dall-e-3"),
		FetchTimeout:      parseDurationWithDefault(os.Getenv("FETCH_TIMEOUT"), 30*time.Second),
		GenerationTimeout: parseDurationWithDefault(os.Getenv("GENERATION_TIMEOUT"), 120*time.Second),

		ImageStorageDir: getEnvWithDefault("IMAGE_STORAGE_DIR", filepath.Join(DataDirName, "storage")),
		PublicBaseURL:   strings.TrimRight(getEnvWithDefault("PUBLIC_BASE_URL", "/storage"), "/"),
		ServeStorage:    parseBool(os.Getenv("SERVE_STORAGE"), true),
		FigureStore:     strings.ToLower(getEnvWithDefault("FIGURE_STORE", FigureStoreFile)),
		FigureStoreFile: getEnvWithDefault("FIGURE_STORE_FILE", filepath.Join(DataDirName, FigureStoreFileName)),
		RedisURL:        os.Getenv("REDIS_URL"),
		RedisPrefix:     getEnvWithDefault("REDIS_PREFIX", "origami_catalog"),

		GenerationRatePerMinute: parseIntWithDefault(os.Getenv("GENERATION_RATE_PER_MINUTE"), 10),
		GenerationBurst:         parseIntWithDefault(os.Getenv("GENERATION_BURST"), 3),

		SlackBotToken:       os.Getenv("SLACK_BOT_TOKEN"),
		SlackErrorChannelID: os.Getenv("SLACK_ERROR_CHANNEL_ID"),
	}
}

// Validate reports configuration combinations that cannot start.
func (c *Config) Validate() error {
	switch c.FigureStore {
	case FigureStoreMemory, FigureStoreFile:
	case FigureStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("FIGURE_STORE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown FIGURE_STORE: %s", c.FigureStore)
	}

	if c.Generation.Timeout <= 0 || c.FetchTimeout <= 0 || c.GenerationTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.GenerationRatePerMinute <= 0 || c.GenerationBurst <= 0 {
		return fmt.Errorf("generation rate and burst must be positive")
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1"
}

func parseIntWithDefault(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationWithDefault accepts Go durations ("90s") or plain seconds ("90").
func parseDurationWithDefault(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getFilePath(filename string) string {
	// data/ ディレクトリ内のファイルを優先
	localPath := filepath.Join(DataDirName, filename)
	if _, err := os.Stat(localPath); err == nil {
		return localPath
	}

	// 実行ファイルディレクトリの data/ を fallback
	exePath, err := os.Executable()
	if err != nil {
		return localPath
	}
	return filepath.Join(filepath.Dir(exePath), DataDirName, filename)
}
