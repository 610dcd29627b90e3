package models

// TransferRequest is sent once per local transfer attempt. The receiver
// answers exactly once with accept or decline.
type TransferRequest struct {
	Sender DeviceIdentity `json:"sender"`
	Files  []FileMetadata `json:"files"`
}

// RelayRequest is the relay-side transfer request; the sender is addressed
// by its numeric session identifier rather than a device identity.
type RelayRequest struct {
	SenderSessionID int64          `json:"senderSessionId"`
	Files           []FileMetadata `json:"files"`
}
