package bridge

import "errors"

var (
	// ErrBadRequest is returned for every request the bridge answers with
	// 400. Callers get no further detail; the audit log has it.
	ErrBadRequest = errors.New("bad request")

	ErrKeyUnavailable    = errors.New("signing key unavailable")
	ErrKeyNotProvisioned = errors.New("no signing key has been created yet")
)
