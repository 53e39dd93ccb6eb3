// Package cipherhub provides the broker server and the client library
// for exchanging end-to-end encrypted tasks between federated proxies.
//
// # Overview
//
// The cipherhub package assembles the exchange core, the signed
// request layer and the socket rendezvous into one HTTP broker, and
// gives clients a signed API to it. It provides:
//   - BrokerServer: the gin HTTP surface over the task and socket
//     registries, with OpenTelemetry instrumentation
//   - BrokerClient: a signing HTTP client for issuers and workers
//   - TaskPublisher and TaskWorker: the issuer and recipient loops
//   - Long-poll (wait_count/wait_time) and SSE result delivery
//   - WebSocket socket rendezvous between two authenticated parties
//
// The broker never sees plaintext. Task and result bodies are
// ciphertext for their recipients; the broker routes on the signed
// shell only.
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│         CipherHub Broker                    │
//	│   (BrokerServer)                            │
//	│   - Signed request verification             │
//	│   - Task and socket registries              │
//	│   - Long-poll waiters and SSE streams       │
//	│   - Expiry sweepers                         │
//	│   - Socket rendezvous relay                 │
//	├─────────────────────────────────────────────┤
//	│         CipherHub Clients                   │
//	│   (BrokerClient + Publisher/Worker)         │
//	│   - Sign envelopes and requests             │
//	│   - Post tasks, report results              │
//	│   - Poll or stream results                  │
//	│   - Dial socket tunnels                     │
//	├─────────────────────────────────────────────┤
//	│         Observability Layer                 │
//	│   - OpenTelemetry tracing                   │
//	│   - Structured logging (slog)               │
//	│   - Prometheus metrics                      │
//	│   - Health checks                           │
//	└─────────────────────────────────────────────┘
//
// # Broker Usage
//
//	cfg := config.Load()
//	store := auth.SharedSecretKeyStore{Secret: []byte(cfg.AppSecret)}
//	server, err := cipherhub.NewBrokerServer(cfg, store)
//	if err != nil {
//		panic(err)
//	}
//	if err := server.Start(ctx); err != nil {
//		panic(err)
//	}
//
// Or, entirely from the environment:
//
//	if err := cipherhub.StartBroker(ctx); err != nil {
//		panic(err)
//	}
//
// # Client Usage
//
//	client, err := cipherhub.NewBrokerClient(cipherhub.ClientConfig{
//		BaseURL:  cfg.PublicBaseURL,
//		Identity: me,
//		Store:    store,
//	})
//
//	publisher := cipherhub.NewTaskPublisher(client, logger)
//	taskID, err := publisher.PublishTask(ctx, cipherhub.PublishTaskOptions{
//		To:   []envelope.AppOrProxyID{worker},
//		Body: ciphertext,
//	})
//	results, err := publisher.AwaitResults(ctx, taskID, 1, time.Minute)
//
//	worker := cipherhub.NewTaskWorker(client, logger)
//	worker.Run(ctx, func(ctx context.Context, task cipherhub.SignedTask) (envelope.WorkStatus, *string, error) {
//		reply := handle(task.Msg.Body)
//		return envelope.StatusSucceeded, &reply, nil
//	})
package cipherhub
