package config

import (
	"time"
)

// ResilienceConfig содержит настройки для механизмов отказоустойчивости
type ResilienceConfig struct {
	// CircuitBreaker содержит настройки для circuit breaker баз данных
	CircuitBreaker struct {
		// FailureThreshold количество ошибок, после которого circuit breaker откроется
		FailureThreshold int
		// ResetTimeout время, через которое circuit breaker перейдет в полуоткрытое состояние
		ResetTimeout time.Duration
	}

	// Gateway содержит настройки circuit breaker для SMS шлюза
	Gateway struct {
		FailureThreshold int
		ResetTimeout     time.Duration
		// RequestTimeout таймаут одного вызова шлюза
		RequestTimeout time.Duration
	}

	// JobRetry содержит настройки задержки при повторной постановке задач в очередь
	JobRetry struct {
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
		BackoffFactor  float64
		Jitter         float64
	}

	// Database содержит настройки механизмов отказоустойчивости для базы данных
	Database struct {
		// CommandTimeout таймаут для выполнения команд
		CommandTimeout time.Duration
	}

	// Redis содержит настройки механизмов отказоустойчивости для Redis
	Redis struct {
		// CommandTimeout таймаут для выполнения команд
		CommandTimeout time.Duration
	}
}

// DefaultResilienceConfig возвращает конфигурацию отказоустойчивости по умолчанию
func DefaultResilienceConfig() ResilienceConfig {
	config := ResilienceConfig{}

	config.CircuitBreaker.FailureThreshold = 5
	config.CircuitBreaker.ResetTimeout = 30 * time.Second

	// Шлюз нестабилен, поэтому порог ниже, а восстановление дольше
	config.Gateway.FailureThreshold = 3
	config.Gateway.ResetTimeout = time.Minute
	config.Gateway.RequestTimeout = 10 * time.Second

	config.JobRetry.InitialBackoff = time.Second
	config.JobRetry.MaxBackoff = 10 * time.Minute
	config.JobRetry.BackoffFactor = 2.0
	config.JobRetry.Jitter = 0.2

	config.Database.CommandTimeout = 3 * time.Second
	config.Redis.CommandTimeout = 1 * time.Second

	return config
}
