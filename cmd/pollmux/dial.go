package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/pollmux/pollmux/transport"
	"github.com/pollmux/pollmux/wtbackend"
)

var (
	dialConfigPath string
	dialMessage    string
)

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Dial a WebTransport echo service and round-trip a message.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(dialConfigPath)
		if err != nil {
			return err
		}
		return runDial(cfg)
	},
}

func init() {
	dialCmd.Flags().StringVarP(&dialConfigPath, "config", "c", "", "YAML config file")
	dialCmd.Flags().StringVarP(&dialMessage, "message", "m", "ping", "message to round-trip")
}

func runDial(cfg *config) error {
	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	if cfg.URL == "" {
		return fmt.Errorf("dial requires a url")
	}

	endpoint, err := wtbackend.New(wtbackend.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer endpoint.Close()

	var tlsCfg *tls.Config
	if cfg.Insecure {
		tlsCfg = &tls.Config{InsecureSkipVerify: true}
	}
	id, _, err := endpoint.Connect(transport.ConnectDescription{URL: cfg.URL, TLS: tlsCfg})
	if err != nil {
		return err
	}
	logger.Info("dialing", slog.String("url", cfg.URL))

	d := &dialer{
		endpoint: endpoint,
		id:       id,
		message:  []byte(dialMessage),
	}

	ticker := time.NewTicker(cfg.tick())
	defer ticker.Stop()
	deadline := time.After(30 * time.Second)

	for {
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for the echo")
		case <-ticker.C:
			endpoint.Update(d)
			done, err := d.step()
			if err != nil {
				return err
			}
			if done {
				fmt.Printf("%s\n", d.echo)
				return nil
			}
		}
	}
}

// dialer drives one echo round-trip: connect, open a bidirectional stream,
// send the message, read it back.
type dialer struct {
	endpoint  transport.Endpoint
	id        transport.ConnectionID
	message   []byte
	connected bool
	lost      bool
	stream    transport.StreamID
	opened    bool
	unsent    []byte
	echo      []byte
}

func (d *dialer) ConnectionRequest(transport.Incoming) bool { return false }

func (d *dialer) Connected(id transport.ConnectionID) {
	if id == d.id {
		d.connected = true
	}
}

func (d *dialer) Disconnected(id transport.ConnectionID) {
	if id == d.id {
		d.lost = true
	}
}

func (d *dialer) step() (bool, error) {
	if d.lost {
		return false, fmt.Errorf("session lost")
	}
	if !d.connected {
		return false, nil
	}
	conn, ok := d.endpoint.Connection(d.id)
	if !ok {
		return false, fmt.Errorf("session gone")
	}

	if !d.opened {
		id, ok := conn.OpenStream(transport.OpenDescription{Dir: transport.Bidirectional})
		if !ok {
			return false, nil
		}
		d.stream = id
		d.opened = true
		d.unsent = d.message
	}

	if len(d.unsent) > 0 {
		send, ok := conn.SendStream(d.stream)
		if !ok {
			return false, fmt.Errorf("echo stream closed")
		}
		n, err := send.Send(d.unsent)
		d.unsent = d.unsent[n:]
		if err != nil && transport.IsFatal(err) {
			return false, fmt.Errorf("send failed: %w", err)
		}
	}

	recv, ok := conn.RecvStream(d.stream)
	if !ok {
		return false, nil
	}
	data, err := recv.Recv(32 * 1024)
	if err != nil && transport.IsFatal(err) {
		return false, fmt.Errorf("receive failed: %w", err)
	}
	d.echo = append(d.echo, data...)
	if len(d.echo) >= len(d.message) {
		conn.Disconnect()
		return true, nil
	}
	return false, nil
}
