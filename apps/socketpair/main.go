// The socketpair demo drives both ends of a socket tunnel through one
// broker: it posts a socket task, parks one side, joins with the
// other, and passes a message each way through the relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gorilla/websocket"
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
	store := auth.SharedSecretKeyStore{Secret: []byte(cfg.AppSecret)}

	left := mustClient(cfg, store, logger, "SOCKET_LEFT_ID", "left.demo."+cfg.BrokerDomain)
	right := mustClient(cfg, store, logger, "SOCKET_RIGHT_ID", "right.demo."+cfg.BrokerDomain)

	socket := &envelope.SocketTask{
		ID:   envelope.NewMsgID(),
		From: left.ID(),
		To:   []envelope.AppOrProxyID{right.ID()},
		TTL:  envelope.TTL{Duration: time.Minute},
		Body: "demo bootstrap",
	}
	if err := left.PostSocket(ctx, socket); err != nil {
		panic(fmt.Sprintf("Failed to post socket task: %v", err))
	}
	logger.InfoContext(ctx, "Socket task posted", "socket_id", socket.ID.String())

	type side struct {
		conn *websocket.Conn
		err  error
	}
	leftSide := make(chan side, 1)
	go func() {
		conn, err := left.DialSocket(ctx, socket.ID)
		leftSide <- side{conn, err}
	}()

	// Let the left side park first.
	time.Sleep(200 * time.Millisecond)
	rightConn, err := right.DialSocket(ctx, socket.ID)
	if err != nil {
		panic(fmt.Sprintf("Right side failed to join: %v", err))
	}
	defer rightConn.Close()

	l := <-leftSide
	if l.err != nil {
		panic(fmt.Sprintf("Left side failed to join: %v", l.err))
	}
	defer l.conn.Close()

	if err := l.conn.WriteMessage(websocket.TextMessage, []byte("hello from the left")); err != nil {
		panic(err)
	}
	_, msg, err := rightConn.ReadMessage()
	if err != nil {
		panic(err)
	}
	logger.InfoContext(ctx, "Right side received", "message", string(msg))

	if err := rightConn.WriteMessage(websocket.TextMessage, []byte("hello from the right")); err != nil {
		panic(err)
	}
	_, msg, err = l.conn.ReadMessage()
	if err != nil {
		panic(err)
	}
	logger.InfoContext(ctx, "Left side received", "message", string(msg))

	logger.InfoContext(ctx, "Tunnel demo finished")
}

func mustClient(cfg *config.AppConfig, store auth.KeyStore, logger *slog.Logger, envKey, fallback string) *cipherhub.BrokerClient {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = fallback
	}
	id, err := envelope.ParseAppOrProxyID(raw)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %v", envKey, err))
	}
	client, err := cipherhub.NewBrokerClient(cipherhub.ClientConfig{
		BaseURL:  cfg.PublicBaseURL,
		Identity: id,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create broker client: %v", err))
	}
	return client
}
