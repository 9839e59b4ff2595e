package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config содержит все настройки приложения
type Config struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Voice    VoiceConfig    `mapstructure:"voice"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Geocoder GeocoderConfig `mapstructure:"geocoder"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
	Workers  WorkerConfig   `mapstructure:"workers"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

// PostgresConfig содержит настройки для PostgreSQL
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig содержит настройки для Redis
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GRPCConfig содержит настройки для gRPC сервера
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// HTTPConfig содержит настройки для HTTP сервера вебхуков
type HTTPConfig struct {
	Port int `mapstructure:"port"`
	// PublicURL используется для построения адресов обратного вызова
	PublicURL string `mapstructure:"public_url"`
}

// ChatConfig содержит параметры жизненного цикла чатов
type ChatConfig struct {
	// ProvisionalTimeout таймаут неактивности для активных чатов
	ProvisionalTimeout time.Duration `mapstructure:"provisional_timeout"`
	// PermanentTimeout таймаут неактивности для любых чатов
	PermanentTimeout time.Duration `mapstructure:"permanent_timeout"`
	// MaxOneSidedInteractions сколько подряд идущих взаимодействий одного участника считаются "односторонними"
	MaxOneSidedInteractions int `mapstructure:"max_one_sided_interactions"`
	// CleanupAge возраст, после которого пустой чат удаляется
	CleanupAge time.Duration `mapstructure:"cleanup_age"`
	// MaxCandidates ограничивает выборку кандидатов перед ранжированием
	MaxCandidates int `mapstructure:"max_candidates"`
	// SweepBatchSize количество чатов, обрабатываемых за один проход
	SweepBatchSize int `mapstructure:"sweep_batch_size"`
	// DefaultRegion регион для номеров без международного префикса
	DefaultRegion string `mapstructure:"default_region"`
}

// DeliveryConfig содержит параметры доставки ответов
type DeliveryConfig struct {
	// MaxConsecutiveFailures после стольких неудачных доставок подряд пользователь выходит из сети
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	CleanupAge             time.Duration `mapstructure:"cleanup_age"`
	StatusCallbackPath     string        `mapstructure:"status_callback_path"`
}

// VoiceConfig содержит параметры голосового меню
type VoiceConfig struct {
	PromptsEnabled     bool   `mapstructure:"prompts_enabled"`
	MaxConnectAttempts int    `mapstructure:"max_connect_attempts"`
	ActionPath         string `mapstructure:"action_path"`
	DialTimeoutSeconds int    `mapstructure:"dial_timeout_seconds"`
}

// BillingConfig содержит параметры сервиса тарификации
type BillingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	// Operators список операторов, для которых требуется тарификация
	Operators   []string      `mapstructure:"operators"`
	SlowAfter   time.Duration `mapstructure:"slow_after"`
	HardTimeout time.Duration `mapstructure:"hard_timeout"`
}

// GeocoderConfig содержит параметры геокодера
type GeocoderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TwilioConfig содержит учетные данные шлюза
type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
}

// WorkerConfig содержит параметры фоновых обработчиков
type WorkerConfig struct {
	Queue       string        `mapstructure:"queue"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// SweeperConfig содержит периодичность плановых задач
type SweeperConfig struct {
	ProvisionalExpiryInterval time.Duration `mapstructure:"provisional_expiry_interval"`
	PermanentExpiryInterval   time.Duration `mapstructure:"permanent_expiry_interval"`
	ReinvigorateInterval      time.Duration `mapstructure:"reinvigorate_interval"`
	CleanupInterval           time.Duration `mapstructure:"cleanup_interval"`
	ChargeTimeoutInterval     time.Duration `mapstructure:"charge_timeout_interval"`
}

// DefaultChatConfig возвращает параметры чатов по умолчанию
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		ProvisionalTimeout:      10 * time.Minute,
		PermanentTimeout:        1440 * time.Minute,
		MaxOneSidedInteractions: 3,
		CleanupAge:              30 * 24 * time.Hour,
		MaxCandidates:           1000,
		SweepBatchSize:          500,
		DefaultRegion:           "ZA",
	}
}

// DefaultDeliveryConfig возвращает параметры доставки по умолчанию
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxConsecutiveFailures: 5,
		CleanupAge:             30 * 24 * time.Hour,
		StatusCallbackPath:     "/inbound/twilio/message_status",
	}
}

// DefaultVoiceConfig возвращает параметры голосового меню по умолчанию
func DefaultVoiceConfig() VoiceConfig {
	return VoiceConfig{
		PromptsEnabled:     true,
		MaxConnectAttempts: 3,
		ActionPath:         "/inbound/phone_calls",
		DialTimeoutSeconds: 20,
	}
}

// DefaultBillingConfig возвращает параметры тарификации по умолчанию
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Enabled:     false,
		SlowAfter:   5 * time.Second,
		HardTimeout: 24 * time.Hour,
	}
}

// DefaultWorkerConfig возвращает параметры воркеров по умолчанию
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Queue:       "default",
		Concurrency: 8,
		MaxAttempts: 10,
		PollTimeout: 2 * time.Second,
	}
}

// DefaultSweeperConfig возвращает периодичность плановых задач по умолчанию
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		ProvisionalExpiryInterval: time.Minute,
		PermanentExpiryInterval:   10 * time.Minute,
		ReinvigorateInterval:      time.Minute,
		CleanupInterval:           time.Hour,
		ChargeTimeoutInterval:     5 * time.Minute,
	}
}

// LoadConfig загружает настройки из файла или переменных окружения
func LoadConfig() (*Config, error) {
	// .env не обязателен, его отсутствие не ошибка
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Значения по умолчанию
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Если файл конфигурации не найден, используем переменные окружения
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	// Проверяем наличие переменных окружения и переопределяем значения конфигурации
	loadFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// PostgreSQL defaults
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.username", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.dbname", "anonchat")
	v.SetDefault("postgres.sslmode", "disable")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// gRPC и HTTP
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.public_url", "http://localhost:8080")

	chat := DefaultChatConfig()
	v.SetDefault("chat.provisional_timeout", chat.ProvisionalTimeout)
	v.SetDefault("chat.permanent_timeout", chat.PermanentTimeout)
	v.SetDefault("chat.max_one_sided_interactions", chat.MaxOneSidedInteractions)
	v.SetDefault("chat.cleanup_age", chat.CleanupAge)
	v.SetDefault("chat.max_candidates", chat.MaxCandidates)
	v.SetDefault("chat.sweep_batch_size", chat.SweepBatchSize)
	v.SetDefault("chat.default_region", chat.DefaultRegion)

	delivery := DefaultDeliveryConfig()
	v.SetDefault("delivery.max_consecutive_failures", delivery.MaxConsecutiveFailures)
	v.SetDefault("delivery.cleanup_age", delivery.CleanupAge)
	v.SetDefault("delivery.status_callback_path", delivery.StatusCallbackPath)

	voice := DefaultVoiceConfig()
	v.SetDefault("voice.prompts_enabled", voice.PromptsEnabled)
	v.SetDefault("voice.max_connect_attempts", voice.MaxConnectAttempts)
	v.SetDefault("voice.action_path", voice.ActionPath)
	v.SetDefault("voice.dial_timeout_seconds", voice.DialTimeoutSeconds)

	billing := DefaultBillingConfig()
	v.SetDefault("billing.enabled", billing.Enabled)
	v.SetDefault("billing.url", "")
	v.SetDefault("billing.operators", []string{})
	v.SetDefault("billing.slow_after", billing.SlowAfter)
	v.SetDefault("billing.hard_timeout", billing.HardTimeout)

	v.SetDefault("geocoder.enabled", false)
	v.SetDefault("geocoder.url", "https://nominatim.openstreetmap.org/search")
	v.SetDefault("geocoder.timeout", 3*time.Second)

	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.from_number", "")

	workers := DefaultWorkerConfig()
	v.SetDefault("workers.queue", workers.Queue)
	v.SetDefault("workers.concurrency", workers.Concurrency)
	v.SetDefault("workers.max_attempts", workers.MaxAttempts)
	v.SetDefault("workers.poll_timeout", workers.PollTimeout)

	sweeper := DefaultSweeperConfig()
	v.SetDefault("sweeper.provisional_expiry_interval", sweeper.ProvisionalExpiryInterval)
	v.SetDefault("sweeper.permanent_expiry_interval", sweeper.PermanentExpiryInterval)
	v.SetDefault("sweeper.reinvigorate_interval", sweeper.ReinvigorateInterval)
	v.SetDefault("sweeper.cleanup_interval", sweeper.CleanupInterval)
	v.SetDefault("sweeper.charge_timeout_interval", sweeper.ChargeTimeoutInterval)
}

func loadFromEnv(v *viper.Viper) {
	// PostgreSQL from env
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		v.Set("postgres.host", dbHost)
	}
	if dbPort := os.Getenv("DB_PORT"); dbPort != "" {
		if port, err := strconv.Atoi(dbPort); err == nil {
			v.Set("postgres.port", port)
		}
	}
	if dbUser := os.Getenv("DB_USER"); dbUser != "" {
		v.Set("postgres.username", dbUser)
	}
	if dbPassword := os.Getenv("DB_PASSWORD"); dbPassword != "" {
		v.Set("postgres.password", dbPassword)
	}
	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		v.Set("postgres.dbname", dbName)
	}

	// Redis from env
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		redisPort := "6379"
		if port := os.Getenv("REDIS_PORT"); port != "" {
			redisPort = port
		}
		v.Set("redis.addr", redisHost+":"+redisPort)
	}

	// gRPC и HTTP from env
	if grpcPort := os.Getenv("GRPC_PORT"); grpcPort != "" {
		if port, err := strconv.Atoi(grpcPort); err == nil {
			v.Set("grpc.port", port)
		}
	}
	if httpPort := os.Getenv("HTTP_PORT"); httpPort != "" {
		if port, err := strconv.Atoi(httpPort); err == nil {
			v.Set("http.port", port)
		}
	}
	if publicURL := os.Getenv("PUBLIC_URL"); publicURL != "" {
		v.Set("http.public_url", publicURL)
	}

	// Twilio from env
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		v.Set("twilio.account_sid", sid)
	}
	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		v.Set("twilio.auth_token", token)
	}
	if from := os.Getenv("TWILIO_FROM_NUMBER"); from != "" {
		v.Set("twilio.from_number", from)
	}

	// Параметры чатов from env
	if minutes := os.Getenv("CHAT_PROVISIONAL_TIMEOUT_MINUTES"); minutes != "" {
		if m, err := strconv.Atoi(minutes); err == nil {
			v.Set("chat.provisional_timeout", time.Duration(m)*time.Minute)
		}
	}
	if minutes := os.Getenv("CHAT_PERMANENT_TIMEOUT_MINUTES"); minutes != "" {
		if m, err := strconv.Atoi(minutes); err == nil {
			v.Set("chat.permanent_timeout", time.Duration(m)*time.Minute)
		}
	}
	if maxOneSided := os.Getenv("CHAT_MAX_ONE_SIDED_INTERACTIONS"); maxOneSided != "" {
		if n, err := strconv.Atoi(maxOneSided); err == nil {
			v.Set("chat.max_one_sided_interactions", n)
		}
	}
	if prompts := os.Getenv("VOICE_PROMPTS_ENABLED"); prompts != "" {
		if enabled, err := strconv.ParseBool(prompts); err == nil {
			v.Set("voice.prompts_enabled", enabled)
		}
	}
	if concurrency := os.Getenv("WORKER_CONCURRENCY"); concurrency != "" {
		if n, err := strconv.Atoi(concurrency); err == nil {
			v.Set("workers.concurrency", n)
		}
	}
}
