package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"homeai-bot/internal/classifier"
	"homeai-bot/internal/gate"
	"homeai-bot/internal/resolver"
	"homeai-bot/internal/router"
)

// Config is everything the process reads from its environment.
type Config struct {
	StateTable         string
	ParamPrefix        string
	BackendURL         string
	AMQPURL            string
	AMQPExchange       string
	MinConfidence      float64
	PendingTTL         time.Duration
	AdapterTimeout     time.Duration
	ClassifierTimeout  time.Duration
	HistoryTurns       int
	MaxMessageLength   int
	RateLimitPerMinute int
}

// FromEnv reads Config through getenv, usually os.Getenv. Malformed optional
// values fall back to their defaults.
func FromEnv(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}
	cfg := Config{
		StateTable:         e.required("STATE_TABLE"),
		ParamPrefix:        strings.TrimRight(e.required("PARAM_PREFIX"), "/"),
		BackendURL:         e.required("BACKEND_URL"),
		AMQPURL:            e.required("AMQP_URL"),
		AMQPExchange:       e.str("AMQP_EXCHANGE", "homeai"),
		MinConfidence:      e.decimal("MIN_CONFIDENCE", router.DefaultMinConfidence),
		PendingTTL:         e.duration("PENDING_TTL", gate.DefaultTTL),
		AdapterTimeout:     e.duration("ADAPTER_TIMEOUT", router.DefaultAdapterTimeout),
		ClassifierTimeout:  e.duration("CLASSIFIER_TIMEOUT", classifier.DefaultTimeout),
		HistoryTurns:       e.integer("HISTORY_TURNS", 10),
		MaxMessageLength:   e.integer("MAX_MESSAGE_LENGTH", resolver.DefaultMaxMessageLength),
		RateLimitPerMinute: e.integer("RATE_LIMIT_PER_MINUTE", 20),
	}
	if len(e.missing) > 0 {
		return Config{}, fmt.Errorf("app: required environment variables not set: %s", strings.Join(e.missing, ", "))
	}
	return cfg, nil
}

type env struct {
	getenv  func(string) string
	missing []string
}

func (e *env) required(key string) string {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		e.missing = append(e.missing, key)
	}
	return v
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(e.getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (e *env) decimal(key string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(e.getenv(key)), 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(e.getenv(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
