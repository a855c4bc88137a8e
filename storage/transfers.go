package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"drds/models"
)

const transferColumns = `transfer_id,
	peer_id,
	username,
	path,
	direction,
	size,
	bytes_transferred,
	checksum,
	status,
	error,
	started_at,
	finished_at`

// BeginTransfer inserts a pending transfer row.
func (s *Store) BeginTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if transfer.Path == "" {
		return errors.New("path is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = models.TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.PeerID,
		transfer.Username,
		transfer.Path,
		transfer.Direction,
		transfer.Size,
		transfer.BytesTransferred,
		nullString(transfer.Checksum),
		transfer.Status,
		nullString(transfer.Error),
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}
	return nil
}

// TransferResult is the terminal state written by FinishTransfer.
type TransferResult struct {
	Status           string
	BytesTransferred int64
	Checksum         string
	Error            string
	FinishedAt       int64
}

// FinishTransfer records the outcome of a transfer.
func (s *Store) FinishTransfer(transferID string, result TransferResult) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(result.Status); err != nil {
		return err
	}
	if result.FinishedAt == 0 {
		result.FinishedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
			bytes_transferred = ?,
			checksum = COALESCE(?, checksum),
			error = ?,
			finished_at = ?
		WHERE transfer_id = ?`,
		result.Status,
		result.BytesTransferred,
		nullString(result.Checksum),
		nullString(result.Error),
		result.FinishedAt,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", transferID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows for transfer %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer returns one transfer row.
func (s *Store) GetTransfer(transferID string) (*models.Transfer, error) {
	row := s.db.QueryRow(`SELECT `+transferColumns+` FROM transfers WHERE transfer_id = ?`, transferID)
	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns transfers newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]models.Transfer, error) {
	where, args := filter.clauses()
	query := `SELECT ` + transferColumns + ` FROM transfers` + where + ` ORDER BY started_at DESC, transfer_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// CountTransfers counts transfers matching filter. Limit is ignored.
func (s *Store) CountTransfers(filter TransferFilter) (int, error) {
	where, args := filter.clauses()
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM transfers`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return count, nil
}

func (f TransferFilter) clauses() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.PeerID != "" {
		conds = append(conds, "peer_id = ?")
		args = append(args, f.PeerID)
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, f.Direction)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var (
		transfer   models.Transfer
		checksum   sql.NullString
		errText    sql.NullString
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.PeerID,
		&transfer.Username,
		&transfer.Path,
		&transfer.Direction,
		&transfer.Size,
		&transfer.BytesTransferred,
		&checksum,
		&transfer.Status,
		&errText,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	transfer.Checksum = checksum.String
	transfer.Error = errText.String
	transfer.FinishedAt = finishedAt.Int64
	return &transfer, nil
}
