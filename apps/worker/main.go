// The worker demo long-polls its todo queue and answers every task
// with an echoed body. It runs until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/owulveryck/cipherhub/internal/auth"
	"github.com/owulveryck/cipherhub/internal/cipherhub"
	"github.com/owulveryck/cipherhub/internal/config"
	"github.com/owulveryck/cipherhub/internal/envelope"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cfg := config.Load()
	if err := envelope.SetBrokerDomain(cfg.BrokerDomain); err != nil {
		panic(err)
	}
	if cfg.AppSecret == "" {
		panic("CIPHERHUB_APP_SECRET must be set")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	me, err := envelope.ParseAppOrProxyID(getEnv("WORKER_ID", "worker.demo."+cfg.BrokerDomain))
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

	worker := cipherhub.NewTaskWorker(client, logger)

	logger.InfoContext(ctx, "Starting worker demo", "broker", cfg.PublicBaseURL, "id", me.String())

	err = worker.Run(ctx, func(ctx context.Context, task cipherhub.SignedTask) (envelope.WorkStatus, *string, error) {
		// A real worker decrypts the body, does the work, and
		// encrypts the reply for the issuer.
		reply := "echo: " + strings.TrimSpace(task.Msg.Body)
		return envelope.StatusSucceeded, &reply, nil
	})
	if err != nil && ctx.Err() == nil {
		panic(err)
	}
	logger.Info("Worker demo stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
