// Package messaging wires NATS: connections, JetStream streams and an
// embedded server for single-node deployments and tests.
package messaging

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"
)

// ServerConfig configures the embedded NATS server.
type ServerConfig struct {
	Host     string
	Port     int    // -1 picks a random free port
	StoreDir string // JetStream storage directory
}

// EmbeddedServer is an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	server *server.Server
}

// StartEmbedded creates and starts an embedded NATS server. It fails when
// the server is not ready within 30 seconds.
func StartEmbedded(cfg ServerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "projector",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	log.Info().
		Str("url", ns.ClientURL()).
		Str("store_dir", cfg.StoreDir).
		Msg("Embedded NATS server started")

	return &EmbeddedServer{server: ns}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
