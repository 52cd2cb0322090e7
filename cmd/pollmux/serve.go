package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pollmux/pollmux/transport"
	"github.com/pollmux/pollmux/wtbackend"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a WebTransport echo service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(serveConfigPath)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "YAML config file")
}

func runServe(cfg *config) error {
	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return fmt.Errorf("serve requires certFile and keyFile")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}

	endpoint, err := wtbackend.New(wtbackend.Config{
		Addr:   cfg.Addr,
		Path:   cfg.Path,
		TLS:    &tls.Config{Certificates: []tls.Certificate{cert}},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer endpoint.Close()
	logger.Info("serving", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))

	echo := newEchoApp(endpoint, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(cfg.tick())
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			echo.tick()
		}
	}
}

// echoApp echoes every byte received on a bidirectional stream back on the
// same stream. Bytes the peer cannot take this tick are carried over.
type echoApp struct {
	endpoint transport.Endpoint
	logger   *slog.Logger
	conns    map[transport.ConnectionID]*echoConn
}

type echoConn struct {
	streams map[transport.StreamID][]byte
}

func newEchoApp(endpoint transport.Endpoint, logger *slog.Logger) *echoApp {
	return &echoApp{
		endpoint: endpoint,
		logger:   logger,
		conns:    make(map[transport.ConnectionID]*echoConn),
	}
}

func (a *echoApp) tick() {
	a.endpoint.Update(a)
	for id, state := range a.conns {
		conn, ok := a.endpoint.Connection(id)
		if !ok {
			delete(a.conns, id)
			continue
		}
		a.pump(conn, state)
	}
}

func (a *echoApp) ConnectionRequest(incoming transport.Incoming) bool {
	a.logger.Info("session request", slog.String("remote", incoming.RemoteAddr().String()))
	return true
}

func (a *echoApp) Connected(id transport.ConnectionID) {
	a.logger.Info("session established", slog.Uint64("connection", uint64(id)))
	a.conns[id] = &echoConn{streams: make(map[transport.StreamID][]byte)}
}

func (a *echoApp) Disconnected(id transport.ConnectionID) {
	a.logger.Info("session closed", slog.Uint64("connection", uint64(id)))
	delete(a.conns, id)
}

// pump drains stream events, reads whatever arrived and writes back what
// the peer will take.
func (a *echoApp) pump(conn transport.Connection, state *echoConn) {
	for {
		event, ok := conn.PollStreamEvent()
		if !ok {
			break
		}
		if !event.PeerGenerated || event.Type != transport.NewRecvStream {
			continue
		}
		if event.StreamID.Dir() != transport.Bidirectional {
			a.logger.Warn("ignoring unidirectional stream",
				slog.Uint64("stream", uint64(event.StreamID)))
			continue
		}
		state.streams[event.StreamID] = nil
	}

	for id, pending := range state.streams {
		if recv, ok := conn.RecvStream(id); ok {
			for {
				data, err := recv.Recv(32 * 1024)
				if err != nil || len(data) == 0 {
					break
				}
				pending = append(pending, data...)
			}
		}

		if len(pending) > 0 {
			send, ok := conn.SendStream(id)
			if !ok {
				delete(state.streams, id)
				continue
			}
			n, err := send.Send(pending)
			pending = pending[n:]
			if err != nil && transport.IsFatal(err) {
				delete(state.streams, id)
				continue
			}
		}
		state.streams[id] = pending
	}
}
