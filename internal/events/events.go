package events

import (
	"encoding/json"
	"time"

	natscore "gemini-stealth-gateway/internal/core/nats"
	"gemini-stealth-gateway/internal/shared/logs"

	natslib "github.com/nats-io/nats.go"
)

// CredentialEventMessage is published for every credential lifecycle
// transition. KeySuffix is already redacted; full secrets never enter the
// broker.
type CredentialEventMessage struct {
	Kind      string `json:"kind"`
	KeySuffix string `json:"key_suffix,omitempty"`
	Time      int64  `json:"time"` // Unix milliseconds
}

// PoolSnapshotMessage wraps a periodic stats snapshot for downstream
// dashboards.
type PoolSnapshotMessage struct {
	Snapshot json.RawMessage `json:"snapshot"`
	Time     int64           `json:"time"` // Unix milliseconds
}

// Publisher emits gateway telemetry onto NATS. A nil Publisher or a
// Publisher built from a nil connection is a no-op, so the gateway runs
// unchanged without a broker configured.
type Publisher struct {
	conn *natslib.Conn
}

func NewPublisher(conn *natslib.Conn) *Publisher {
	if conn == nil {
		return nil
	}
	return &Publisher{conn: conn}
}

// CredentialEvent publishes one lifecycle event. Failures are logged and
// swallowed; telemetry must never affect request handling.
func (p *Publisher) CredentialEvent(kind, keySuffix string) {
	if p == nil {
		return
	}
	msg := CredentialEventMessage{
		Kind:      kind,
		KeySuffix: keySuffix,
		Time:      time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logs.Warn("failed to encode credential event", "kind", kind, "err", err)
		return
	}
	if err := p.conn.Publish(natscore.SubjectCredentialEvents, data); err != nil {
		logs.Warn("failed to publish credential event", "kind", kind, "err", err)
	}
}

// PoolSnapshot publishes a periodic stats snapshot.
func (p *Publisher) PoolSnapshot(snapshot any) {
	if p == nil {
		return
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		logs.Warn("failed to encode pool snapshot", "err", err)
		return
	}
	data, err := json.Marshal(PoolSnapshotMessage{Snapshot: raw, Time: time.Now().UnixMilli()})
	if err != nil {
		logs.Warn("failed to encode pool snapshot message", "err", err)
		return
	}
	if err := p.conn.Publish(natscore.SubjectPoolSnapshots, data); err != nil {
		logs.Warn("failed to publish pool snapshot", "err", err)
	}
}
