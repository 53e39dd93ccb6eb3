// The issuer demo posts one encrypted task to the worker demo and
// waits for its reply. Run it against a broker started with the same
// CIPHERHUB_APP_SECRET.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/owulveryck/cipherhub/internal/auth"
	"github.com/owulveryck/cipherhub/internal/cipherhub"
	"github.com/owulveryck/cipherhub/internal/config"
	"github.com/owulveryck/cipherhub/internal/envelope"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := config.Load()
	if err := envelope.SetBrokerDomain(cfg.BrokerDomain); err != nil {
		panic(err)
	}
	if cfg.AppSecret == "" {
		panic("CIPHERHUB_APP_SECRET must be set")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	me, err := envelope.ParseAppOrProxyID(getEnv("ISSUER_ID", "issuer.demo."+cfg.BrokerDomain))
	if err != nil {
		panic(fmt.Sprintf("invalid issuer id: %v", err))
	}
	worker, err := envelope.ParseAppOrProxyID(getEnv("WORKER_ID", "worker.demo."+cfg.BrokerDomain))
	if err != nil {
		panic(fmt.Sprintf("invalid worker id: %v", err))
	}

	client, err := cipherhub.NewBrokerClient(cipherhub.ClientConfig{
		BaseURL:  cfg.PublicBaseURL,
		Identity: me,
		Store:    auth.SharedSecretKeyStore{Secret: []byte(cfg.AppSecret)},
		Logger:   logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create broker client: %v", err))
	}

	publisher := cipherhub.NewTaskPublisher(client, logger)

	logger.InfoContext(ctx, "Starting issuer demo", "broker", cfg.PublicBaseURL, "worker", worker.String())

	// In a real deployment the body is ciphertext for the worker; the
	// demo proxies share no encryption layer, so it travels as is.
	taskID, err := publisher.PublishTask(ctx, cipherhub.PublishTaskOptions{
		To:   []envelope.AppOrProxyID{worker},
		Body: "greeting: hello from the issuer demo",
		TTL:  time.Minute,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to publish task: %v", err))
	}

	results, err := publisher.AwaitResults(ctx, taskID, 1, 30*time.Second)
	if err != nil {
		panic(fmt.Sprintf("Failed to collect results: %v", err))
	}
	for _, res := range results {
		body := "<none>"
		if res.Msg.Body != nil {
			body = *res.Msg.Body
		}
		logger.InfoContext(ctx, "Result received",
			"from", res.From.String(),
			"status", string(res.Msg.Status),
			"body", body,
		)
	}
	if len(results) == 0 {
		logger.WarnContext(ctx, "No result arrived before the deadline")
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
