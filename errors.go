package main

import "errors"

// Sentinel error kinds, one per handling policy. No function in this module
// returns or wraps them: the session data path logs and returns its own
// fmt.Errorf errors instead.
var (
	// ErrParse covers malformed SOCKS5 or control-message input.
	ErrParse = errors.New("parse error")
	// ErrAuth covers a signature that fails verification.
	ErrAuth = errors.New("auth error")
	// ErrBilling covers a ledger-driven service refusal (negative balance).
	ErrBilling = errors.New("billing error")
	// ErrTransport covers WebSocket or outbound TCP connect/read/write failure.
	ErrTransport = errors.New("transport error")
	// ErrTimeout covers a connect attempt exceeding its deadline.
	ErrTimeout = errors.New("timeout error")
	// ErrLedger covers a persistent-store failure.
	ErrLedger = errors.New("ledger error")
)
