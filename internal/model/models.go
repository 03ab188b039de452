// internal/model/models.go
package model

import "time"

// SyncStatus is the lifecycle state of a mirrored repository.
type SyncStatus string

const (
	StatusPending          SyncStatus = "pending"
	StatusInProgress       SyncStatus = "in_progress"
	StatusCloning          SyncStatus = "cloning"
	StatusCompleted        SyncStatus = "completed"
	StatusFailed           SyncStatus = "failed"
	StatusPermanentFailure SyncStatus = "permanent_failure"
)

// Terminal reports whether no further transitions can leave the status.
func (s SyncStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPermanentFailure
}

// Valid reports whether s is one of the known lifecycle states.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCloning, StatusCompleted, StatusFailed, StatusPermanentFailure:
		return true
	}
	return false
}

// StarEvent is the validated, source-agnostic form of an inbound star webhook.
type StarEvent struct {
	EventType  string    `json:"event_type"`
	Action     string    `json:"action"`
	DeliveryID string    `json:"delivery_id"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
	Repo       StarRepo  `json:"repository"`
}

// StarRepo is the repository identity carried by a star event payload.
type StarRepo struct {
	ID            int64   `json:"id"`
	Owner         string  `json:"owner"`
	Name          string  `json:"name"`
	FullName      string  `json:"full_name"`
	CloneURL      string  `json:"clone_url"`
	HTMLURL       string  `json:"html_url"`
	DefaultBranch string  `json:"default_branch"`
	Private       bool    `json:"private"`
	SizeKB        int64   `json:"size_kb"`
	Description   *string `json:"description"`
}

// RepoMetadata is what the source host reports about a repository at sync time.
type RepoMetadata struct {
	GithubRepoID  int64
	Owner         string
	Name          string
	FullName      string
	CloneURL      string
	HTMLURL       string
	DefaultBranch string
	Private       bool
	Archived      bool
	SizeKB        int64
	Description   *string
}

// ConflictPolicy decides what happens when the destination name is taken.
type ConflictPolicy string

const (
	ConflictReuse  ConflictPolicy = "reuse"
	ConflictSuffix ConflictPolicy = "suffix"
	ConflictFail   ConflictPolicy = "fail"
)

// Valid reports whether p is a supported conflict policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictReuse, ConflictSuffix, ConflictFail:
		return true
	}
	return false
}

// CreateRepoRequest asks the destination host for a repository to mirror into.
type CreateRepoRequest struct {
	Name           string
	Description    string
	ConflictPolicy ConflictPolicy
}

// DestRepo identifies a repository on the destination host.
type DestRepo struct {
	ProjectID int64
	Name      string
	CloneURL  string
	Reused    bool
}
