// Package eventbus implements the Event Bus: a thin typed
// wrapper over a pub/sub broker with channel-name validation, a guarded
// subscribe callback, and an at-least-once, HMAC-signed audit stream
// distinct from best-effort pub/sub. Modeled on the reference
// implementation's event bus (channel patterns,
// publish_finding/publish_agent_status schemas, subscribe_kill_switch) and
// wired to github.com/redis/go-redis/v9 for pub/sub and goa.design/pulse
// for the durable audit stream.
package eventbus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// slowPublishThreshold is the publish duration above which a slow-publish
// warning is logged.
const slowPublishThreshold = 500 * time.Millisecond

// channelPatterns is the closed set of valid pub/sub channel
// namespaces/shapes that Publish accepts.
var channelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^findings:[0-9a-f]{8}:[a-zA-Z0-9_]+$`),
	regexp.MustCompile(`^agents:[^:]+:status$`),
	regexp.MustCompile(`^control:[^:]+$`),
	regexp.MustCompile(`^authorization:[^:]+$`),
	regexp.MustCompile(`^swarm:.*$`),
	regexp.MustCompile(`^orchestrator:.*$`),
	regexp.MustCompile(`^killchain:.*$`),
}

// ValidChannel reports whether channel matches one of the closed patterns.
func ValidChannel(channel string) bool {
	for _, p := range channelPatterns {
		if p.MatchString(channel) {
			return true
		}
	}
	return false
}

// Broker is the pub/sub backend. Publish is called with a best-effort
// semantics: the caller buffers on transient failure rather than blocking.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (unsubscribe func(), err error)
	Connected() bool
}

// AuditStream is the durable, consumer-group, at-least-once stream
// abstraction backing audit() — distinct from the best-effort Broker.
type AuditStream interface {
	Append(ctx context.Context, streamName string, payload []byte) error
	Connected() bool
}

// bufferedPublish is one entry of the bounded degraded-mode publish queue.
type bufferedPublish struct {
	channel string
	payload []byte
	at      time.Time
}

// Bus is the typed pub/sub wrapper. One Bus instance is shared by every
// component in the engagement runtime; it is safe for concurrent publish
// and subscribe.
type Bus struct {
	broker      Broker
	audit       AuditStream
	secret      []byte
	log         *slog.Logger

	mu         sync.Mutex
	buffer     []bufferedPublish
	bufferSize int
	bufferAge  time.Duration
}

// New constructs a Bus over broker (pub/sub) and audit (durable stream),
// HMAC-signing audit records with an engagement-scoped secret.
func New(broker Broker, audit AuditStream, secret []byte, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{broker: broker, audit: audit, secret: secret, log: log, bufferSize: 1000, bufferAge: 5 * time.Minute}
}

// Publish validates the channel, serializes payload if needed, and
// publishes. If the broker is disconnected, the publish is buffered (bounded
// by size and age) and flushed on reconnection.
func (b *Bus) Publish(channel string, payload any) error {
	if !ValidChannel(channel) {
		return fmt.Errorf("eventbus: channel %q does not match any valid pattern", channel)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if b.broker == nil || !b.broker.Connected() {
		b.bufferPublish(channel, data)
		return nil
	}

	err = b.broker.Publish(ctx, channel, data)
	elapsed := time.Since(start)
	if elapsed > slowPublishThreshold {
		b.log.Warn("slow publish", "channel", channel, "elapsed_ms", elapsed.Milliseconds())
	}
	if err != nil {
		b.bufferPublish(channel, data)
		return nil
	}
	return nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case nil:
		return nil, errors.New("eventbus: nil payload is invalid")
	default:
		return json.Marshal(v)
	}
}

func (b *Bus) bufferPublish(channel string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = append(b.buffer, bufferedPublish{channel: channel, payload: payload, at: time.Now()})
	if len(b.buffer) > b.bufferSize {
		b.buffer = b.buffer[len(b.buffer)-b.bufferSize:]
	}
}

// FlushBuffer is called by the reconnection loop once the broker is back.
// Entries older than bufferAge are dropped rather than replayed.
func (b *Bus) FlushBuffer(ctx context.Context) {
	b.mu.Lock()
	pending := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	cutoff := time.Now().Add(-b.bufferAge)
	for _, entry := range pending {
		if entry.at.Before(cutoff) {
			continue
		}
		if err := b.broker.Publish(ctx, entry.channel, entry.payload); err != nil {
			b.bufferPublish(entry.channel, entry.payload)
		}
	}
}

// Subscribe wraps the broker's subscribe primitive with a guarded callback
// that catches and logs any panic or error so a faulty handler cannot crash
// the bus.
func (b *Bus) Subscribe(pattern string, callback func(channel string, payload []byte)) (func(), error) {
	if b.broker == nil {
		return func() {}, nil
	}
	guarded := func(channel string, payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("subscribe callback panicked", "pattern", pattern, "recover", r)
			}
		}()
		callback(channel, payload)
	}
	return b.broker.Subscribe(context.Background(), pattern, guarded)
}

// PublishFinding derives the channel from the target hash and finding type
// (findings:<target-hash>:<type>) and publishes the finding.
func (b *Bus) PublishFinding(targetHash, findingType string, finding any) error {
	channel := fmt.Sprintf("findings:%s:%s", targetHash, findingType)
	return b.Publish(channel, finding)
}

// AgentStatusPayload is the schema PublishAgentStatus enforces.
type AgentStatusPayload struct {
	State     string `json:"state"`
	Task      string `json:"task"`
	Timestamp string `json:"timestamp"`
}

// PublishAgentStatus enforces the agents:<id>:status schema (state, task,
// timestamp required) before publishing.
func (b *Bus) PublishAgentStatus(agentID string, payload AgentStatusPayload) error {
	if payload.State == "" || payload.Task == "" || payload.Timestamp == "" {
		return errors.New("eventbus: agent status requires state, task and timestamp")
	}
	return b.Publish(fmt.Sprintf("agents:%s:status", agentID), payload)
}

// killSwitchPayload is the shape subscribeKillSwitch expects, or a bare
// reason string.
type killSwitchPayload struct {
	Reason string `json:"reason"`
}

// SubscribeKillSwitch binds to the control kill channel, parsing either a
// JSON object with a reason field or a bare string.
func (b *Bus) SubscribeKillSwitch(handler func(reason string)) (func(), error) {
	return b.Subscribe("control:kill", func(channel string, payload []byte) {
		var parsed killSwitchPayload
		if err := json.Unmarshal(payload, &parsed); err == nil && parsed.Reason != "" {
			handler(parsed.Reason)
			return
		}
		handler(string(payload))
	})
}

// BroadcastHalt implements internal/halt.Broadcaster: publishes a kill
// message to the well-known control channel.
func (b *Bus) BroadcastHalt(ctx context.Context, reason string) error {
	if b.broker == nil || !b.broker.Connected() {
		return errors.New("eventbus: broker unavailable")
	}
	return b.broker.Publish(ctx, "control:kill", []byte(fmt.Sprintf(`{"reason":%q}`, reason)))
}

// Audit writes a signed, durable entry. Unlike Publish, a disconnected
// audit stream fails explicitly rather than buffering.
func (b *Bus) Audit(ctx context.Context, streamName string, event map[string]any) error {
	if b.audit == nil || !b.audit.Connected() {
		return errors.New("eventbus: audit stream not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	signed := signedRecord{Payload: payload, HMAC: b.sign(payload)}
	data, err := json.Marshal(signed)
	if err != nil {
		return err
	}
	return b.audit.Append(ctx, streamName, data)
}

type signedRecord struct {
	Payload json.RawMessage `json:"payload"`
	HMAC    string          `json:"hmac"`
}

func (b *Bus) sign(payload []byte) string {
	return hmacHex(b.secret, payload)
}

// VerifyRecord checks a record's HMAC, returning the inner payload only if
// valid. Invalid or missing HMACs are rejected; callers should log a
// security warning and drop the record.
func (b *Bus) VerifyRecord(raw []byte) ([]byte, bool) {
	var signed signedRecord
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, false
	}
	if signed.HMAC == "" {
		return nil, false
	}
	expected := hmacHex(b.secret, signed.Payload)
	if !hmacEqual(expected, signed.HMAC) {
		return nil, false
	}
	return signed.Payload, true
}

func hmacHex(secret, payload []byte) string {
	mac := newHMAC(secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// newHMAC is split out so it can be swapped for a test double; production
// uses crypto/hmac+sha256, declared in hmac_sign.go.
var newHMAC = newSHA256HMAC
