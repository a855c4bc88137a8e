package storage

import (
	"testing"

	"drds/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustBeginTransfer(t *testing.T, store *Store, id, peerID, direction string, startedAt int64) {
	t.Helper()

	err := store.BeginTransfer(models.Transfer{
		TransferID: id,
		PeerID:     peerID,
		Username:   "alice",
		Path:       "docs/" + id + ".txt",
		Direction:  direction,
		Size:       128,
		StartedAt:  startedAt,
	})
	if err != nil {
		t.Fatalf("begin transfer %q: %v", id, err)
	}
}
