package model

import "agentd/internal/uuidx"

// TransactionState is the three-state lifecycle of a transaction node
// (spec.md §3).
type TransactionState int

const (
	Submitted TransactionState = iota
	Attested
	Canonized
)

func (s TransactionState) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Attested:
		return "attested"
	case Canonized:
		return "canonized"
	default:
		return "unknown"
	}
}

// TransactionNode is a record keyed by transaction UUID (spec.md §3).
type TransactionNode struct {
	ID         uuidx.UUID
	Prev       uuidx.UUID // zero UUID for a create transaction
	Next       uuidx.UUID // next transaction in this artifact's chain; all-ones for the chain tail
	Artifact   uuidx.UUID
	State      TransactionState
	CertLength uint32
	Cert       []byte

	// QueueNext links this node to its successor in the data service's
	// global process queue (spec.md §4.5/§4.7) — a bookkeeping detail of
	// how the queue is traversed, distinct from Next, which is the
	// artifact chain pointer spec.md §3 and testable invariant §8.1
	// quantify over. All-ones marks the queue tail.
	QueueNext uuidx.UUID
}

// IsCreate reports whether this node has no predecessor in its artifact's
// chain.
func (t TransactionNode) IsCreate() bool { return t.Prev.IsZero() }

// ArtifactRecord is a record keyed by artifact UUID (spec.md §3), created
// when the first (create) transaction for an artifact is attested and
// updated on every subsequent promotion.
type ArtifactRecord struct {
	ID             uuidx.UUID
	FirstTxID      uuidx.UUID
	LatestTxID     uuidx.UUID
	FirstHeight    uint64
	LatestHeight   uint64
	LatestState    TransactionState
}

// BlockNode is a record keyed by block UUID (spec.md §3), written only by
// the canonization service.
type BlockNode struct {
	ID              uuidx.UUID
	Previous        uuidx.UUID // previous block's id
	Next            uuidx.UUID // all-ones sentinel for the tip
	FirstTxID       uuidx.UUID
	Height          uint64
	Cert            []byte
}

// GlobalSettingsLatestBlockKey is the well-known key under which the latest-block
// pointer lives in the data service's global-settings table (spec.md §3).
const GlobalSettingsLatestBlockKey = "latest_block_id"
