// The relay_server command runs the CipherHub broker with explicit
// wiring: per-proxy secrets instead of the single dev secret, and the
// server assembled by hand. Use broker/main.go for the
// environment-only variant.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/owulveryck/cipherhub/internal/auth"
	"github.com/owulveryck/cipherhub/internal/cipherhub"
	"github.com/owulveryck/cipherhub/internal/config"
	"github.com/owulveryck/cipherhub/internal/envelope"
)

// loadKeyStore reads PROXY_SECRETS, a comma separated list of
// proxy=secret pairs, into a static key store. Proxy names are the
// label under the broker domain, e.g. "alpha=s3cret,beta=other".
func loadKeyStore(raw string) (*auth.StaticKeyStore, error) {
	store := auth.NewStaticKeyStore()
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, secret, ok := strings.Cut(pair, "=")
		if !ok || secret == "" {
			return nil, fmt.Errorf("malformed PROXY_SECRETS entry %q", pair)
		}
		proxy, err := envelope.NewProxyID(name)
		if err != nil {
			return nil, err
		}
		store.AddSecret(proxy, []byte(secret))
	}
	return store, nil
}

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
		log.Fatalf("invalid broker domain: %v", err)
	}

	raw := os.Getenv("PROXY_SECRETS")
	if raw == "" {
		log.Fatal("PROXY_SECRETS must list at least one proxy=secret pair")
	}
	store, err := loadKeyStore(raw)
	if err != nil {
		log.Fatalf("failed to load proxy secrets: %v", err)
	}

	server, err := cipherhub.NewBrokerServer(cfg, auth.NewCachedKeyStore(store, 5*time.Minute))
	if err != nil {
		log.Fatalf("failed to create broker server: %v", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Logger.ErrorContext(shutdownCtx, "Broker shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("broker failed: %v", err)
	}
}
