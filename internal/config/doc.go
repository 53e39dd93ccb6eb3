// Package config provides centralized configuration management for
// CipherHub services through environment variables with sensible
// defaults.
//
// # Overview
//
// The config package loads application configuration from environment
// variables, providing a single source of truth for the broker and
// the demo apps:
//   - Broker listen address, domain and public base URL
//   - Exchange tuning (sweep interval, rendezvous wait)
//   - Observability endpoints (OTLP, Prometheus)
//   - Health check ports per service
//   - Service metadata (name, version, environment)
//   - The dev-mode shared signing secret
//
// All configuration values have sensible defaults, so services can
// run without any environment variable configuration.
//
// # Quick Start
//
//	cfg := config.Load()
//	fmt.Printf("Listening on %s for %s\n", cfg.BrokerHTTPAddr, cfg.BrokerDomain)
//
// # Configuration Fields
//
// **Broker Configuration**:
//   - BROKER_HTTP_ADDR: main listener address (default: ":8080")
//   - BROKER_DOMAIN: the broker's identity domain (default: "broker.localhost")
//   - BROKER_PUBLIC_URL: base URL clients dial (default: "http://localhost:8080")
//
// **Exchange Tuning**:
//   - SWEEP_INTERVAL: expiry scan period (default: "60s")
//   - RENDEZVOUS_WAIT: socket pairing window (default: "60s")
//   - TASK_NEW_CAPACITY / TASK_DELETED_CAPACITY / TASK_RESULT_CAPACITY:
//     task registry broadcast capacities (defaults: 512 / 512 / 256)
//   - SOCKET_NEW_CAPACITY / SOCKET_DELETED_CAPACITY / SOCKET_RESULT_CAPACITY:
//     socket registry broadcast capacities (defaults: 32 / 32 / 1)
//
// **Observability Stack**:
//   - OTLP_ENDPOINT: OTLP trace collector (default: "127.0.0.1:4317")
//   - PROMETHEUS_PORT: Prometheus port (default: "9090")
//
// **Health Check Ports**:
//   - BROKER_HEALTH_PORT: broker health endpoint (default: "8081")
//   - ISSUER_HEALTH_PORT: issuer demo health endpoint (default: "8082")
//   - WORKER_HEALTH_PORT: worker demo health endpoint (default: "8083")
//
// **Service Metadata**:
//   - SERVICE_NAME: service name for observability (default: "cipherhub-broker")
//   - SERVICE_VERSION: service version (default: "1.0.0")
//   - ENVIRONMENT: deployment environment (default: "development")
//   - LOG_LEVEL: logging level - DEBUG, INFO, WARN, ERROR (default: "INFO")
//
// **Dev-mode Signing**:
//   - CIPHERHUB_APP_SECRET: shared HS256 secret for demo proxies; empty
//     disables the dev key store (production wires its own KeyStore)
//
// # Thread Safety
//
// AppConfig is safe to read from multiple goroutines once loaded.
// Do not modify AppConfig fields after calling Load().
package config
