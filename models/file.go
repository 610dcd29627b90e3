package models

// TransferStatus tracks the client-side state of one file transfer.
type TransferStatus int

const (
	StatusPending TransferStatus = iota
	StatusInProgress
	StatusFinished
	StatusFailed
)

// String returns a display label for the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in progress"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// FileMetadata describes one file offered in a transfer request. Name is
// the bare file name as sent, never a path.
type FileMetadata struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FileState is a per-file view of an in-flight transfer exposed to
// progress subscribers.
type FileState struct {
	Path     string
	Size     int64
	Received int64
	Status   TransferStatus
}
