// bridge/bridge.go
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"captouch-go/bus"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Start starts the bridge service. It blocks until ctx is cancelled.
// It listens for JSON config on topic {"config","bridge"} and forwards
// touch telemetry and heartbeats to an external MQTT broker.
func Start(ctx context.Context, conn *bus.Connection) {
	s := &Service{
		conn:       conn,
		dial:       dialPaho,
		stateTopic: bus.Topic{"bridge", "state"},
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is the JSON-encoded configuration expected on "config/bridge".
type Config struct {
	Broker    string `json:"broker"`     // e.g. "tcp://192.168.1.10:1883"; empty disables the bridge
	ClientID  string `json:"client_id"`  // defaults to "captouch"
	BaseTopic string `json:"base_topic"` // prefix for uplinked topics, defaults to "captouch"
}

func (c *Config) fillDefaults() {
	if c.ClientID == "" {
		c.ClientID = "captouch"
	}
	if c.BaseTopic == "" {
		c.BaseTopic = "captouch"
	}
}

// -----------------------------------------------------------------------------
// Publisher abstraction
// -----------------------------------------------------------------------------

// Publisher is the broker-side sink for forwarded messages.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	Close() error
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// forwarded local subtrees
var uplinkTopics = []bus.Topic{
	{"touch", bus.WildRest},
	{"system", "heartbeat"},
}

type Service struct {
	conn       *bus.Connection
	dial       func(Config) (Publisher, error)
	stateTopic bus.Topic

	mu      sync.Mutex
	curStop context.CancelFunc
}

// run waits for config and supervises a single uplink instance.
func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "bridge"})
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			if cfg.Broker == "" {
				s.stopCurrent()
				s.publishState("idle", "no_broker_configured", nil)
				continue
			}
			cfg.fillDefaults()
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curStop != nil {
		s.curStop()
		s.curStop = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curStop != nil {
		s.curStop()
		s.curStop = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curStop = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision and forwarding
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pub, err := s.dial(cfg)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		err = s.forward(ctx, cfg, pub)
		_ = pub.Close()
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		// Clean stop: restart only on new config.
		return
	}
}

// forward owns the active link lifetime. It mirrors the uplink subtrees
// onto the broker until ctx is cancelled or a publish fails.
func (s *Service) forward(ctx context.Context, cfg Config, pub Publisher) error {
	subs := make([]*bus.Subscription, 0, len(uplinkTopics))
	for _, t := range uplinkTopics {
		subs = append(subs, s.conn.Subscribe(t))
	}
	defer func() {
		for _, sub := range subs {
			s.conn.Unsubscribe(sub)
		}
	}()

	// Fan channel receives into a single select. Two topics today;
	// revisit if the uplink list grows.
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-subs[0].Channel():
			if !ok {
				return errors.New("uplink subscription closed")
			}
			if err := s.uplink(cfg, pub, msg); err != nil {
				return err
			}
		case msg, ok := <-subs[1].Channel():
			if !ok {
				return errors.New("uplink subscription closed")
			}
			if err := s.uplink(cfg, pub, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Service) uplink(cfg Config, pub Publisher, msg *bus.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	topic := cfg.BaseTopic + "/" + TopicPath(msg.Topic)
	return pub.Publish(topic, msg.Retained, payload)
}

// TopicPath renders a bus topic as a slash-separated MQTT path.
func TopicPath(t bus.Topic) string {
	var sb []byte
	for i, tok := range t {
		if i > 0 {
			sb = append(sb, '/')
		}
		sb = append(sb, fmt.Sprint(tok)...)
	}
	return string(sb)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func decodeConfig(payload any) (Config, error) {
	var cfg Config
	switch v := payload.(type) {
	case []byte:
		err := json.Unmarshal(v, &cfg)
		return cfg, err
	case string:
		err := json.Unmarshal([]byte(v), &cfg)
		return cfg, err
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		err = json.Unmarshal(b, &cfg)
		return cfg, err
	}
}

func (s *Service) publishState(state, detail string, err error) {
	payload := map[string]any{
		"state":  state,
		"detail": detail,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(&bus.Message{
		Topic:    s.stateTopic,
		Payload:  payload,
		Retained: true,
	})
}

// backoffSeq returns a func yielding an exponential backoff capped at max.
func backoffSeq(start, max time.Duration) func() time.Duration {
	cur := start
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

// sleep waits for d or ctx cancellation; reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
