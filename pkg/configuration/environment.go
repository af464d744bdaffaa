package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pulsehq/pulse-sdk/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existingFiles = append(existingFiles, file)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"pulse"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type PipelineOptions struct {
	// Workers bounds per-run team concurrency. This is also the ceiling on
	// concurrent interpretation-provider calls, so it must stay within the
	// provider's rate limits.
	Workers           int           `env:"PIPELINE_WORKERS" envDefault:"4"`
	LockTTL           time.Duration `env:"PIPELINE_LOCK_TTL" envDefault:"30m"`
	SchedulerEnabled  bool          `env:"PIPELINE_SCHEDULER_ENABLED" envDefault:"false"`
	SchedulerInterval time.Duration `env:"PIPELINE_SCHEDULER_INTERVAL" envDefault:"1h"`
	IndexMapPath      string        `env:"PIPELINE_INDEX_MAP_PATH" envDefault:""`
}

func (p *PipelineOptions) Validate() error {
	if p.Workers < 1 {
		return fmt.Errorf("pipeline workers must be >= 1, got %d", p.Workers)
	}
	if p.LockTTL <= 0 {
		return fmt.Errorf("pipeline lock TTL must be positive, got %s", p.LockTTL)
	}
	if p.SchedulerEnabled && p.SchedulerInterval <= 0 {
		return fmt.Errorf("pipeline scheduler interval must be positive, got %s", p.SchedulerInterval)
	}
	return nil
}

type InterpretationOptions struct {
	OpenAIKey     string        `env:"OPENAI_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	Model         string        `env:"INTERPRETATION_MODEL" envDefault:"gpt-4o-mini"`
	PromptVersion string        `env:"INTERPRETATION_PROMPT_VERSION" envDefault:"p1"`
	Timeout       time.Duration `env:"INTERPRETATION_TIMEOUT" envDefault:"60s"`

	CacheEnabled bool          `env:"INTERPRETATION_CACHE_ENABLED" envDefault:"false"`
	RedisURL     string        `env:"REDIS_URL" envDefault:"localhost:6379"`
	CacheTTL     time.Duration `env:"INTERPRETATION_CACHE_TTL" envDefault:"24h"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type Configuration struct {
	Database       DatabaseOptions
	Pipeline       PipelineOptions
	Interpretation InterpretationOptions
	Prometheus     PrometheusOptions

	MigrationsDir    string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/app.log"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration error: %w", err)
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}

	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
