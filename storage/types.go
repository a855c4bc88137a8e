package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"drds/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// TransferFilter narrows ListTransfers. Empty fields match everything.
type TransferFilter struct {
	PeerID    string
	Direction string
	Status    string
	Limit     int
}

func validateDirection(direction string) error {
	switch direction {
	case models.TransferDirectionSend, models.TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case models.TransferStatusPending, models.TransferStatusComplete, models.TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
