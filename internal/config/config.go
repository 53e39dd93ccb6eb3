package config

import (
	"os"
	"strconv"
	"time"
)

// AppConfig holds all application configuration
type AppConfig struct {
	// CipherHub Core Configuration
	BrokerHTTPAddr string
	BrokerDomain   string
	PublicBaseURL  string

	// Exchange tuning
	SweepInterval  time.Duration
	RendezvousWait time.Duration

	// Broadcast channel capacities per registry
	TaskNewCap       int
	TaskDeletedCap   int
	TaskResultCap    int
	SocketNewCap     int
	SocketDeletedCap int
	SocketResultCap  int

	// Observability Configuration
	OTLPEndpoint   string
	PrometheusPort string

	// Health Check Ports
	BrokerHealthPort string
	IssuerHealthPort string
	WorkerHealthPort string

	// Service Configuration
	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string

	// Dev-mode signing secret shared by the demo proxies
	AppSecret string
}

// Load loads configuration from environment variables with defaults
func Load() *AppConfig {
	return &AppConfig{
		// CipherHub Core
		BrokerHTTPAddr: getEnv("BROKER_HTTP_ADDR", ":8080"),
		BrokerDomain:   getEnv("BROKER_DOMAIN", "broker.localhost"),
		PublicBaseURL:  getEnv("BROKER_PUBLIC_URL", "http://localhost:8080"),

		// Exchange tuning
		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", 60*time.Second),
		RendezvousWait: getEnvAsDuration("RENDEZVOUS_WAIT", 60*time.Second),

		// Broadcast channel capacities
		TaskNewCap:       getEnvAsInt("TASK_NEW_CAPACITY", 512),
		TaskDeletedCap:   getEnvAsInt("TASK_DELETED_CAPACITY", 512),
		TaskResultCap:    getEnvAsInt("TASK_RESULT_CAPACITY", 256),
		SocketNewCap:     getEnvAsInt("SOCKET_NEW_CAPACITY", 32),
		SocketDeletedCap: getEnvAsInt("SOCKET_DELETED_CAPACITY", 32),
		SocketResultCap:  getEnvAsInt("SOCKET_RESULT_CAPACITY", 1),

		// Observability Stack
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "127.0.0.1:4317"),
		PrometheusPort: getEnv("PROMETHEUS_PORT", "9090"),

		// Health Check Ports
		BrokerHealthPort: getEnv("BROKER_HEALTH_PORT", "8081"),
		IssuerHealthPort: getEnv("ISSUER_HEALTH_PORT", "8082"),
		WorkerHealthPort: getEnv("WORKER_HEALTH_PORT", "8083"),

		// Service Configuration
		ServiceName:    getEnv("SERVICE_NAME", "cipherhub-broker"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),

		// Dev-mode signing
		AppSecret: getEnv("CIPHERHUB_APP_SECRET", ""),
	}
}

// GetHealthPort returns the health port for a given service type
func (c *AppConfig) GetHealthPort(serviceType string) string {
	switch serviceType {
	case "broker":
		return c.BrokerHealthPort
	case "issuer":
		return c.IssuerHealthPort
	case "worker":
		return c.WorkerHealthPort
	default:
		return "8081"
	}
}

// GetPrometheusURL returns the Prometheus web interface URL
func (c *AppConfig) GetPrometheusURL() string {
	return "http://localhost:" + c.PrometheusPort
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as boolean with a default fallback
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a Go duration with
// a default fallback
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
