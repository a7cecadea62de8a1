package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minTokenCost = 10

type Config struct {
	Env          string
	ServerPort   int
	LogLevel     string
	JWTSecret    string
	SessionTTL   time.Duration
	TokenCost    int
	SyncInterval time.Duration
	Database     DatabaseConfig
	REDCap       REDCapConfig
	Roster       Roster
	Queue        QueueConfig
	Archive      ArchiveConfig
	SMTP         SMTPConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
	// Pool limits; zero means the driver package defaults.
	MaxOpenConns int
	MaxIdleConns int
}

// REDCapConfig points at the survey API. Each study year lives in its own
// REDCap project with its own API token.
type REDCapConfig struct {
	URL      string
	Timeout  time.Duration
	Projects []REDCapProject
	// Events limits participant exports of longitudinal projects. Rows of
	// one record across events are merged.
	Events []string
}

type REDCapProject struct {
	Year  int
	Token string
}

type QueueConfig struct {
	// Backend is one of "", "rabbitmq", "pubsub" or "memory". Empty sends
	// token mail from the API process.
	Backend      string
	TokenChannel string
	RabbitMQ     RabbitMQConfig
	PubSub       PubSubConfig
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type ArchiveConfig struct {
	// Backend is one of "", "minio" or "gcs". Empty disables sync archives.
	Backend string
	Prefix  string
	Minio   MinioConfig
	GCS     GCSConfig
	// RetentionDays expires archived reports; 0 keeps them forever.
	RetentionDays int
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	LoginURL string
}

func LoadConfig() (Config, error) {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "studyreports"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "studyreports"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),

		MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 0),
		MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 0),
	}

	projects, err := parseProjects(getEnv("REDCAP_PROJECTS", ""))
	if err != nil {
		return Config{}, err
	}

	roster := Roster{}
	if path := strings.TrimSpace(getEnv("ROSTER_FILE", "")); path != "" {
		roster, err = LoadRoster(path)
		if err != nil {
			return Config{}, err
		}
	}

	syncInterval, err := ParseInterval(getEnv("SYNC_INTERVAL", ""))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Env:          getEnv("ENV", "production"),
		ServerPort:   getEnvInt("SERVER_PORT", 8080),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		JWTSecret:    strings.TrimSpace(getEnv("JWT_SECRET", "")),
		SessionTTL:   getEnvDuration("SESSION_TTL", 24*time.Hour),
		TokenCost:    getEnvInt("TOKEN_HASH_COST", minTokenCost),
		SyncInterval: syncInterval,
		Database:     dbConfig,
		REDCap: REDCapConfig{
			URL:      getEnv("REDCAP_URL", ""),
			Timeout:  getEnvDuration("REDCAP_TIMEOUT", 30*time.Second),
			Projects: projects,
			Events:   splitList(getEnv("REDCAP_EVENTS", "")),
		},
		Roster: roster.normalized(),
		Queue: QueueConfig{
			Backend:      strings.ToLower(getEnv("QUEUE_BACKEND", "")),
			TokenChannel: getEnv("QUEUE_TOKEN_CHANNEL", "auth-token-mail"),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
				PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 1),
			},
			PubSub: PubSubConfig{
				ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
				SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			},
		},
		Archive: ArchiveConfig{
			Backend:       strings.ToLower(getEnv("ARCHIVE_BACKEND", "")),
			Prefix:        getEnv("ARCHIVE_PREFIX", "sync-reports"),
			RetentionDays: getEnvInt("ARCHIVE_RETENTION_DAYS", 0),
			Minio: MinioConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", ""),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", ""),
				UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			},
			GCS: GCSConfig{
				Bucket:          getEnv("GCS_BUCKET", ""),
				ProjectID:       getEnv("GCS_PROJECT_ID", ""),
				CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			},
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			LoginURL: getEnv("LOGIN_URL", ""),
		},
	}
	return cfg, nil
}

// Validate reports configuration that would make the server unusable.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if strings.TrimSpace(c.REDCap.URL) == "" {
		errs = append(errs, errors.New("REDCAP_URL is required"))
	}
	if len(c.REDCap.Projects) == 0 {
		errs = append(errs, errors.New("REDCAP_PROJECTS is required"))
	}
	if c.TokenCost < minTokenCost {
		errs = append(errs, fmt.Errorf("TOKEN_HASH_COST must be at least %d", minTokenCost))
	}
	switch c.Queue.Backend {
	case "", "rabbitmq", "pubsub", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend))
	}
	switch c.Archive.Backend {
	case "", "minio", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unknown ARCHIVE_BACKEND %q", c.Archive.Backend))
	}
	if c.Archive.RetentionDays < 0 {
		errs = append(errs, errors.New("ARCHIVE_RETENTION_DAYS must not be negative"))
	}
	if err := c.Roster.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// parseProjects reads "2021=token,2022=token" into projects ordered by year.
func parseProjects(raw string) ([]REDCapProject, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	var projects []REDCapProject
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		yearStr, token, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("invalid REDCAP_PROJECTS entry %q", part)
		}
		year, err := strconv.Atoi(strings.TrimSpace(yearStr))
		if err != nil {
			return nil, fmt.Errorf("invalid REDCAP_PROJECTS year %q", yearStr)
		}
		if seen[year] {
			return nil, fmt.Errorf("duplicate REDCAP_PROJECTS year %d", year)
		}
		seen[year] = true
		projects = append(projects, REDCapProject{Year: year, Token: strings.TrimSpace(token)})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Year < projects[j].Year })
	return projects, nil
}

// ParseInterval reads a sync interval such as "30m". Blank and "0" disable
// scheduled syncs.
func ParseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	interval, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid sync interval %q: %w", raw, err)
	}
	if interval < 0 {
		return 0, fmt.Errorf("sync interval %q must not be negative", raw)
	}
	return interval, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
		if err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := time.ParseDuration(strings.TrimSpace(valueStr))
		if err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}
