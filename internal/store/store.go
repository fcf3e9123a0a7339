// Package store holds what the persistence implementations share.
package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrStateConflict is returned when a conditional session update finds the
	// session in a different state than expected.
	ErrStateConflict = errors.New("store: session state changed concurrently")
	// ErrDuplicate is returned when a unique column already holds the value.
	ErrDuplicate = errors.New("store: duplicate record")
)
