package datastore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("datastore: no matching row")
	ErrNoCredential = errors.New("datastore: no api key")
)

// APIError is a non-2xx answer of the data store.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("datastore: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("datastore: %d: %s", e.Status, e.Message)
}
