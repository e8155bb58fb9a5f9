package pipeline

import (
	"context"
)

// Backend is a relational store the writer flushes into.
type Backend interface {
	Dialect() Dialect
	// SupportsTransactions reports whether a Tx can roll back. Backends that
	// return false execute statements as they arrive and Rollback is a no-op.
	SupportsTransactions() bool
	Begin(ctx context.Context) (Tx, error)
}

type Tx interface {
	Exec(ctx context.Context, stmt Statement) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransientClassifier is implemented by backends that can tell a transient
// driver error from a permanent one better than retry.IsRetryable.
type TransientClassifier interface {
	IsTransient(err error) bool
}
