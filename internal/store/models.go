package store

import (
	"time"

	"github.com/google/uuid"
)

// ReleaseStatus is the acquisition lifecycle state of a release.
type ReleaseStatus string

// Release status values. Must match the PostgreSQL release_status enum.
const (
	StatusPending    ReleaseStatus = "pending"
	StatusInProgress ReleaseStatus = "in_progress"
	StatusStored     ReleaseStatus = "stored"
	StatusFailed     ReleaseStatus = "failed"
)

// Checkpoint outcome values.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Publisher is one marketplace publisher observation.
type Publisher struct {
	ID             uuid.UUID
	Name           string
	DisplayName    string
	Domain         string
	DomainVerified bool
	Flags          []string
	SeenAt         time.Time
}

// Extension is one marketplace extension observation.
type Extension struct {
	ID               uuid.UUID
	PublisherID      uuid.UUID
	Name             string
	DisplayName      string
	Identifier       string
	ShortDescription string
	Flags            []string
	InstallCount     int64
	AverageRating    float32
	RatingCount      int64
	PublishedAt      *time.Time
	ReleasedAt       *time.Time
	LastUpdatedAt    *time.Time
	LatestVersion    string
	SeenAt           time.Time
}

// ExtensionRef is the slice of extension state the release listing phase
// needs.
type ExtensionRef struct {
	ID            uuid.UUID
	Identifier    string
	PublisherName string
	Name          string
	LatestVersion string
	// ReleasesSyncedVersion is the latest version at the time the release
	// history was last listed, or nil when it never was.
	ReleasesSyncedVersion *string
}

// Release is one release descriptor to record.
type Release struct {
	ExtensionID uuid.UUID
	Version     string
	Flags       []string
	PublishedAt *time.Time
}

// ReleaseCandidate is a release awaiting archive acquisition.
type ReleaseCandidate struct {
	ID            uuid.UUID
	ExtensionID   uuid.UUID
	Version       string
	PublisherName string
	ExtensionName string
	Attempts      int
}

// StoredRelease is a release with an acquired archive.
type StoredRelease struct {
	ID             uuid.UUID
	ExtensionID    uuid.UUID
	Version        string
	ContentAddress string
}

// Checkpoint is the persisted progress marker of one scheduled run.
type Checkpoint struct {
	RunID      uuid.UUID
	Phase      string
	PageCursor int
	Outcome    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Summary    []byte
}

// Review is one user review observation.
type Review struct {
	ID              int64
	ExtensionID     uuid.UUID
	UserDisplayName string
	Rating          int16
	Comment         string
	UpdatedAt       *time.Time
}

// MetadataCounts reports the effect of metadata upserts.
type MetadataCounts struct {
	PublishersCreated int64
	PublishersUpdated int64
	ExtensionsCreated int64
	ExtensionsUpdated int64
}

// Add accumulates counts from another batch.
func (m *MetadataCounts) Add(other *MetadataCounts) {
	m.PublishersCreated += other.PublishersCreated
	m.PublishersUpdated += other.PublishersUpdated
	m.ExtensionsCreated += other.ExtensionsCreated
	m.ExtensionsUpdated += other.ExtensionsUpdated
}
