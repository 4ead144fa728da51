// Package mqttsink is the optional MQTT telemetry sink described in
// SPEC_FULL.md's domain stack: every recorded event is republished onto
// an MQTT broker so external tooling (Home Assistant, a Grafana MQTT
// datasource, a second terminal running mosquitto_sub) can observe a
// run live. It is structurally the teacher's internal/mqtt.Publisher —
// autopaho connection with a last-will availability topic, retained
// "online"/"offline" status, a background publish goroutine — adapted
// from a periodic home-automation sensor push to a straight event
// forwarder keyed by run ID instead of device ID.
package mqttsink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/parkerjbeard/mortality/internal/config"
	"github.com/parkerjbeard/mortality/internal/telemetry"
)

// Sink is a telemetry.Sink that publishes every event to an MQTT
// broker under mortality/<run_id>/events. The zero value is not
// usable; construct with New and call Start before Emit does
// anything useful (Emit is a no-op, logged at debug, until the
// connection comes up).
type Sink struct {
	cfg    config.MQTTConfig
	runID  string
	logger *slog.Logger

	cm *autopaho.ConnectionManager
}

// New constructs a Sink publishing to the given broker under runID's
// topic namespace. A nil logger falls back to slog.Default().
func New(cfg config.MQTTConfig, runID string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:    cfg,
		runID:  runID,
		logger: logger.With("component", "mqttsink", "run_id", runID),
	}
}

// Start connects to the configured broker and blocks until ctx is
// cancelled, maintaining the connection (autopaho reconnects
// automatically) and publishing a retained "online"/"offline"
// availability message on connect/Stop.
func (s *Sink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqttsink: parse broker URL: %w", err)
	}

	availTopic := s.availabilityTopic()
	clientID := s.cfg.ClientPrefix
	if clientID == "" {
		clientID = "mortality"
	}
	if len(s.runID) >= 8 {
		clientID += "-" + s.runID[:8]
	} else {
		clientID += "-" + s.runID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.publishAvailability(publishCtx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttsink: connect: %w", err)
	}
	s.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes a retained "offline" availability message and
// disconnects. ctx bounds how long to wait for both.
func (s *Sink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishAvailability(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

// publishAvailability publishes status ("online" or "offline") as a
// retained message on the availability topic. Failures are logged.
func (s *Sink) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// Emit publishes event as JSON to mortality/<run_id>/events. Satisfies
// telemetry.Sink. Before the connection comes up this is a no-op
// logged at debug — callers are not expected to block a run's
// progress on broker availability.
func (s *Sink) Emit(event telemetry.Event) {
	if s.cm == nil {
		s.logger.Debug("mqtt publish skipped, not connected", "event", event.Name)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("mqtt marshal event failed", "event", event.Name, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.eventsTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		s.logger.Debug("mqtt event publish failed", "event", event.Name, "error", err)
	}
}

func (s *Sink) baseTopic() string {
	return "mortality/" + s.runID
}

func (s *Sink) eventsTopic() string {
	return s.baseTopic() + "/events"
}

func (s *Sink) availabilityTopic() string {
	return s.baseTopic() + "/availability"
}
