package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger создает новый логгер
func NewLogger() *zap.Logger {
	return NewLoggerWithFile(os.Getenv("LOG_FILE"))
}

// NewLoggerWithFile создает логгер, который дополнительно пишет в файл с ротацией
func NewLoggerWithFile(logPath string) *zap.Logger {
	// Определение уровня логирования на основе переменной окружения
	logLevel := getLogLevel()

	// Настройка кодировщика для структурированного логирования
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	// Файл с ротацией подключается только если задан путь
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0750); err == nil {
			sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
				Filename:   logPath,
				MaxSize:    100, // мегабайты
				MaxBackups: 3,
				MaxAge:     28, // дни
				Compress:   true,
			}))
		}
	}

	// Создание ядра логгера
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(sinks...),
		logLevel,
	)

	// Создание логгера с добавлением информации о вызывающем коде
	return zap.New(core, zap.AddCaller())
}

// getLogLevel определяет уровень логирования на основе переменной окружения
func getLogLevel() zapcore.Level {
	// По умолчанию используем информационный уровень
	logLevel := zapcore.InfoLevel

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logLevel = zapcore.DebugLevel
	case "info":
		logLevel = zapcore.InfoLevel
	case "warn":
		logLevel = zapcore.WarnLevel
	case "error":
		logLevel = zapcore.ErrorLevel
	}

	return logLevel
}
