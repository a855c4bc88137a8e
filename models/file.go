package models

const (
	TransferDirectionSend    = "send"
	TransferDirectionReceive = "receive"

	TransferStatusPending  = "pending"
	TransferStatusComplete = "complete"
	TransferStatusFailed   = "failed"
)

// Transfer records one file pushed to or pulled from a peer.
type Transfer struct {
	TransferID       string `json:"transfer_id"`
	PeerID           string `json:"peer_id"`
	Username         string `json:"username"`
	Path             string `json:"path"`
	Direction        string `json:"direction"`
	Size             int64  `json:"size"`
	BytesTransferred int64  `json:"bytes_transferred"`
	Checksum         string `json:"checksum"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
	StartedAt        int64  `json:"started_at"`
	FinishedAt       int64  `json:"finished_at,omitempty"`
}
