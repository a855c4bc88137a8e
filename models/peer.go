package models

// PeerIdentity binds a transport peer ID to the username it announced.
type PeerIdentity struct {
	PeerID   string `json:"peer_id"`
	Username string `json:"username"`
	Address  string `json:"address,omitempty"`
}
