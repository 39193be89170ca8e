package domain

import (
	"encoding/json"
	"time"
)

// RecordKind is the table a reconciliation record belongs to.
type RecordKind string

const (
	RecordState       RecordKind = "state"
	RecordOpenTrade   RecordKind = "open_trade"
	RecordClosedTrade RecordKind = "closed_trade"
	RecordActivity    RecordKind = "activity"
	RecordCategory    RecordKind = "category"
	RecordBlacklist   RecordKind = "blacklist"
)

// ReconciliationRecord is one row of the shared store. (InstanceID, Kind, Key)
// is the natural key; only the owning instance ever writes it.
type ReconciliationRecord struct {
	InstanceID string          `json:"instance_id"`
	Kind       RecordKind      `json:"kind"`
	Key        string          `json:"key"` // trade id, market id or activity id
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// InstanceSnapshot is the decoded content of one instance's records.
type InstanceSnapshot struct {
	State      PortfolioState    `json:"state"`
	Open       []Position        `json:"open"`
	Closed     []Position        `json:"closed"`
	Activity   []ActivityEntry   `json:"activity"`
	Categories map[string]string `json:"categories"`
	Blacklist  []string          `json:"blacklist"`
}

// PeerView is the read-only view of the other instances.
type PeerView struct {
	Instances map[string]InstanceSnapshot `json:"instances"`
	PulledAt  time.Time                   `json:"pulled_at"`
}
