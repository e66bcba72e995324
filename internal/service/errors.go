package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/linkflow/flowguard/internal/rollback"
	"github.com/linkflow/flowguard/internal/store"
	"github.com/linkflow/flowguard/internal/txn"
)

var (
	ErrPersist       = errors.New("state machine persist failure")
	ErrPersistNew    = fmt.Errorf("%w: unable to persist new state machine", ErrPersist)
	ErrPersistUpdate = fmt.Errorf("%w: unable to persist the state machine during the update", ErrPersist)
	ErrRead          = errors.New("unable to read state machine from storage")

	ErrIDRequired           = fmt.Errorf("%w: state machine id is a mandatory argument", rollback.ErrMissingArgument)
	ErrTransactionsDisabled = errors.New("service: no transaction manager configured")
	ErrNoResolver           = errors.New("service: no event resolver configured")
)

// Kind classifies an error returned by the service.
type Kind int

const (
	KindNone Kind = iota
	KindMissingArgument
	KindNotFound
	KindPersistFailure
	KindReadFailure
	KindTransactionFailure
	KindBackupFailure
	KindRestoreFailure
	KindProcessingFailure
	// KindTimeout and KindCanceled report a call that ran out of time or was
	// canceled, typically while waiting for a busy machine.
	KindTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMissingArgument:
		return "missing_argument"
	case KindNotFound:
		return "not_found"
	case KindPersistFailure:
		return "persist_failure"
	case KindReadFailure:
		return "read_failure"
	case KindTransactionFailure:
		return "transaction_failure"
	case KindBackupFailure:
		return "backup_failure"
	case KindRestoreFailure:
		return "restore_failure"
	case KindProcessingFailure:
		return "processing_failure"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindOf reports the kind of err. Infrastructure failures take precedence
// over the processing error they may be joined with, except that a joined
// processing error outranks the persist failure that followed it.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, rollback.ErrMissingArgument):
		return KindMissingArgument
	case errors.Is(err, rollback.ErrRestore):
		return KindRestoreFailure
	case errors.Is(err, rollback.ErrBackup):
		return KindBackupFailure
	case errors.Is(err, txn.ErrTransaction):
		return KindTransactionFailure
	case errors.Is(err, ErrRead):
		return KindReadFailure
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	}

	if errors.Is(err, ErrPersist) {
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range j.Unwrap() {
				if !errors.Is(e, ErrPersist) {
					return KindOf(e)
				}
			}
		}
		return KindPersistFailure
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindProcessingFailure
}

// Operation statuses reported to Metrics.
const (
	statusOK      = "ok"
	statusFailed  = "failed"
	statusMissing = "not_found"
)

func statusOf(err error) string {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, store.ErrNotFound):
		return statusMissing
	default:
		return statusFailed
	}
}
