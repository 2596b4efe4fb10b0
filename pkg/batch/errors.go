package batch

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrValidation marks missing or malformed caller input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a batch or farm does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned for duplicate batch ids and for finalize
	// write-backs that raced with a new reading.
	ErrConflict = errors.New("conflict")
	// ErrNotOwner is returned when the requester is not the current custodian.
	ErrNotOwner = errors.New("requester is not the current custodian")
	// ErrNotFinalized is returned by operations that need a persisted root.
	ErrNotFinalized = errors.New("batch is not finalized")
)

// isDuplicateKey recognizes unique violations across the supported drivers.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
