package regulation

import "time"

// JournalOp is the kind of catalog write.
type JournalOp string

const (
	OpPublish JournalOp = "publish"
	OpAmend   JournalOp = "amend"
)

// JournalEntry is one committed catalog write. Replaying the journal in
// revision order rebuilds the catalog exactly, version numbers included.
type JournalEntry struct {
	Revision    uint64     `json:"revision"`
	Op          JournalOp  `json:"op"`
	ParameterID string     `json:"parameter_id"`
	Value       float64    `json:"value"`
	Unit        Unit       `json:"unit,omitempty"`
	From        time.Time  `json:"from"`
	Until       *time.Time `json:"until,omitempty"`
	Citation    string     `json:"citation,omitempty"`
	Retroactive bool       `json:"retroactive,omitempty"`
	RecordedAt  time.Time  `json:"recorded_at"`
}
