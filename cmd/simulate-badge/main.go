// simulate-badge asks a simulated reader to emit a badge scan by publishing
// a simulate_badge command on its command topic.
//
// Usage:
//
//	simulate-badge badgeuse-001 BADGE-1234 [--door porte-002] [--host mosquitto]
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/message"
)

// publisher is the part of the bus client the command needs.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Close() error
}

type connectFunc func(cfg config.MQTTConfig) (publisher, error)

func connectBroker(cfg config.MQTTConfig) (publisher, error) {
	c, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type options struct {
	host   string
	port   int
	user   string
	pass   string
	doorID string
}

func (o options) mqtt(readerID string) config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.Broker.Host = o.host
	cfg.Broker.Port = o.port
	cfg.Broker.ClientID = "badge-cli-" + readerID
	cfg.Auth.Username = o.user
	cfg.Auth.Password = o.pass
	return cfg
}

func main() {
	if err := newRootCmd(connectBroker).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the CLI around connect so tests can supply a broker.
func newRootCmd(connect connectFunc) *cobra.Command {
	opts := options{
		host: envOr("MQTT_HOST", "localhost"),
		port: envIntOr("MQTT_PORT", 1883),
		user: os.Getenv("MQTT_USER"),
		pass: os.Getenv("MQTT_PASS"),
	}

	cmd := &cobra.Command{
		Use:   "simulate-badge [reader-id] [badge-id]",
		Short: "Simulate a badge scan on a reader",
		Long: "Publishes a simulate_badge command on iot/badgeuse/<reader-id>/commands.\n" +
			"The reader answers with a badge event that the relay turns into a door command.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return publishBadge(cmd.OutOrStdout(), connect, opts, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", opts.host, "MQTT broker host (MQTT_HOST)")
	flags.IntVar(&opts.port, "port", opts.port, "MQTT broker port (MQTT_PORT)")
	flags.StringVar(&opts.doorID, "door", "", "door id carried by the command; empty uses the reader's door")
	return cmd
}

func publishBadge(out io.Writer, connect connectFunc, opts options, readerID, badgeID string) error {
	readerID = strings.TrimSpace(readerID)
	badgeID = strings.TrimSpace(badgeID)
	if err := device.ValidateID(readerID); err != nil {
		return fmt.Errorf("reader id: %w", err)
	}
	if badgeID == "" {
		return fmt.Errorf("badge id is empty")
	}

	payload, err := message.NewBadgeCommand(badgeID, opts.doorID).Encode()
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	client, err := connect(opts.mqtt(readerID))
	if err != nil {
		return fmt.Errorf("connecting to %s:%d: %w", opts.host, opts.port, err)
	}
	defer client.Close() //nolint:errcheck // best-effort disconnect

	topic := mqtt.Topics{}.ReaderCommands(readerID)
	if err := client.Publish(topic, payload, 1, false); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	fmt.Fprintf(out, "sent %s to %s\n", payload, topic)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
