package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by jobs and outbox messages.
//
// The claim/fail state machine only ever produces pending, processing,
// completed, and dead_letter. The two extra states are operator-driven:
// failed via cancel on the ops API, rolled_back via import-run rollback.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusRolledBack Status = "rolled_back"
)

// Kind identifies a job type. The set is closed: Claim and Enqueue reject
// anything else with ErrUnknownKind.
type Kind string

const (
	KindEnrich         Kind = "enrich"
	KindOutreach       Kind = "outreach"
	KindDocumentRender Kind = "document_render"
	KindImportBatch    Kind = "import_batch"
)

var knownKinds = map[Kind]bool{
	KindEnrich:         true,
	KindOutreach:       true,
	KindDocumentRender: true,
	KindImportBatch:    true,
}

// ValidKind reports whether k is a member of the closed kind set.
func ValidKind(k Kind) bool { return knownKinds[k] }

// Channel identifies an outbox delivery mechanism. Closed set, same contract
// as Kind.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSMS     Channel = "sms"
	ChannelPDF     Channel = "pdf"
)

var knownChannels = map[Channel]bool{
	ChannelEmail:   true,
	ChannelWebhook: true,
	ChannelSMS:     true,
	ChannelPDF:     true,
}

// ValidChannel reports whether c is a member of the closed channel set.
func ValidChannel(c Channel) bool { return knownChannels[c] }

// Job is a unit of asynchronous work.
type Job struct {
	ID             uuid.UUID
	Kind           Kind
	Payload        json.RawMessage
	Priority       int32
	Status         Status
	Attempts       int32
	MaxAttempts    int32
	LockedAt       *time.Time
	LockedBy       *string
	LastError      *string
	IdempotencyKey *string
	ImportRunID    *uuid.UUID
	RunAt          time.Time
	CreatedAt      time.Time
	CompletedAt    *time.Time
	DeadLetterAt   *time.Time
}

// OutboxMessage is a durable record of a side effect to perform, written in
// the same transaction as the business change that requires it.
type OutboxMessage struct {
	ID            uuid.UUID
	Channel       Channel
	Payload       json.RawMessage
	Status        Status
	Attempts      int32
	MaxAttempts   int32
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CorrelationID string
	RunAt         time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	DeadLetterAt  *time.Time
}

// ImportRun records one attempt to import a uniquely identified batch of
// external data. (Source, BatchID, ContentHash) is the idempotency boundary.
type ImportRun struct {
	ID             uuid.UUID
	Source         string
	BatchID        string
	ContentHash    string
	Filename       string
	Kind           string
	Status         Status
	ReportedCount  int32
	LastError      *string
	RollbackReason *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	RolledBackAt   *time.Time
}

// WorkerHeartbeat is a worker liveness record, upserted on every poll cycle.
type WorkerHeartbeat struct {
	WorkerID   string
	WorkerType string
	Hostname   string
	Status     string
	StartedAt  time.Time
	LastSeenAt time.Time
	Stale      bool
}
