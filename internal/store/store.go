package store

import (
	"errors"
	"time"

	"madoka-go-home/internal/controller"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// DefaultMaxHistory is the number of snapshots kept per unit.
const DefaultMaxHistory = 1000

// Store defines the persistence interface.
type Store interface {
	// Last known status per unit address
	SaveStatus(st controller.Status) error
	GetStatus(address string) (*controller.Status, error)

	// AppendHistory records a snapshot keyed by its UpdatedAt time and prunes
	// the oldest entries beyond the store's history limit.
	AppendHistory(st controller.Status) error
	// History returns snapshots taken at or after since, newest first, at
	// most limit of them (0 = no limit).
	History(address string, since time.Time, limit int) ([]controller.Status, error)

	// Device information characteristics
	SaveInfo(address string, info map[string]string) error
	GetInfo(address string) (map[string]string, error)

	// Close the store
	Close() error
}
