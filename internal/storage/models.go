package storage

// Project is a workspace identified by an absolute directory path.
type Project struct {
	ID        int64
	Slug      string
	HumanKey  string
	CreatedAt int64
}

// AttachmentsPolicy enumerates an agent's attachment handling modes.
type AttachmentsPolicy string

const (
	AttachmentsAuto   AttachmentsPolicy = "auto"
	AttachmentsInline AttachmentsPolicy = "inline"
	AttachmentsFile   AttachmentsPolicy = "file"
	AttachmentsNone   AttachmentsPolicy = "none"
)

// Agent is an identity a coding tool uses to act inside a project.
type Agent struct {
	ID                int64
	ProjectID         int64
	Name              string
	Program           string
	Model             string
	TaskDescription   string
	InceptionTs       int64
	LastActiveTs      int64
	AttachmentsPolicy AttachmentsPolicy
	ContactPolicy     string
}

// Importance enumerates message importance levels.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// Message is an addressed, immutable, append-only communication.
type Message struct {
	ID          int64
	ProjectID   int64
	SenderID    int64
	ThreadID    string // empty means no thread
	Subject     string
	BodyMD      string
	Importance  Importance
	AckRequired bool
	CreatedTs   int64
	Attachments string // opaque JSON array, never interpreted by the core
}

// RecipientKind enumerates how a message addresses a recipient.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCC  RecipientKind = "cc"
	RecipientBCC RecipientKind = "bcc"
)

// MessageRecipient is one row per (message, agent, kind).
type MessageRecipient struct {
	MessageID int64
	AgentID   int64
	Kind      RecipientKind
	ReadTs    *int64
	AckTs     *int64
}

// FileReservation is an advisory lock held by an agent on a path pattern.
type FileReservation struct {
	ID          int64
	ProjectID   int64
	AgentID     int64
	PathPattern string
	Exclusive   bool
	Reason      string
	Note        string // inserted as "" on grant; no code path writes another value
	CreatedTs   int64
	ExpiresTs   int64
	ReleasedTs  *int64
}

// Active reports whether the reservation is currently held: not yet
// released and not yet expired.
func (r FileReservation) Active(nowUs int64) bool {
	return r.ReleasedTs == nil && r.ExpiresTs > nowUs
}

// InboxStats is one materialized row per agent.
type InboxStats struct {
	AgentID         int64
	TotalCount      int64
	UnreadCount     int64
	AckPendingCount int64
	LastMessageTs   *int64
}
