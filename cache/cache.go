// Package cache stores cached asset responses in named generations.
//
// A generation is identified by the worker's version tag. It holds
// request key → response associations and comes into existence on its
// first Put. Storages purge whole generations when the version changes.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyName is returned when opening a generation without a name.
var ErrEmptyName = errors.New("cache: generation name is empty")

// Storage is the process-wide store of cache generations.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns a handle to the named generation.
	// The generation is not listed by Keys until something is put into it.
	Open(ctx context.Context, name string) (Generation, error)
	// Delete removes the named generation and all its entries.
	// It reports whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all existing generations, sorted.
	Keys(ctx context.Context) ([]string, error)
}

// Generation is one named, versioned set of stored responses.
type Generation interface {
	Name() string
	// Match returns the entry stored under key.
	// The boolean is false if there is none; that is not an error.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry under key, replacing any previous one.
	Put(ctx context.Context, key string, entry Entry) error
	// Entries returns the keys of all stored entries, sorted.
	Entries(ctx context.Context) ([]string, error)
}

// Entry is a stored response.
type Entry struct {
	Key      string
	StoredAt time.Time
	// Bytes is the HTTP/1.1 representation of the response.
	Bytes []byte
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
