package store

import "time"

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// SaveEntry is one row of the save log.
type SaveEntry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"sessionId"`
	RepositoryID string    `json:"repositoryId"`
	FilePath     string    `json:"filePath"`
	Version      uint64    `json:"version"`
	Commit       string    `json:"commit"`
	RequestedBy  string    `json:"requestedBy"`
	CommittedAt  time.Time `json:"committedAt"`
	RecordedAt   time.Time `json:"recordedAt"`
}

type SaveFilter struct {
	RepositoryID string
	FilePath     string
	Limit        int
}
