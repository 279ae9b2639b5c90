package models

// OutcomeStatus classifies one adapter attempt.
type OutcomeStatus int

const (
	// StatusSuccess means the whole batch was fetched and normalized.
	StatusSuccess OutcomeStatus = iota
	// StatusPartialFailure means some records survived but the attempt also
	// hit an error (e.g. one of several vendor calls failed).
	StatusPartialFailure
	// StatusTotalFailure means the attempt produced no usable records.
	StatusTotalFailure
	// StatusUnsupported means the adapter does not implement the capability.
	StatusUnsupported
)

// Outcome is the tagged result of one adapter call. The orchestrator never
// lets one exchange's TotalFailure abort the others; callers inspect Status
// instead of catching errors per branch.
type Outcome[T any] struct {
	Status  OutcomeStatus
	Records []T
	// Dropped counts records excluded by per-item validation.
	Dropped int
	Err     error
}

// Success wraps a clean batch; dropped counts per-record validation misses.
func Success[T any](records []T, dropped int) Outcome[T] {
	return Outcome[T]{Status: StatusSuccess, Records: records, Dropped: dropped}
}

// Partial wraps a batch that survived alongside an error.
func Partial[T any](records []T, dropped int, err error) Outcome[T] {
	return Outcome[T]{Status: StatusPartialFailure, Records: records, Dropped: dropped, Err: err}
}

// Failure marks a total request failure for one exchange.
func Failure[T any](err error) Outcome[T] {
	return Outcome[T]{Status: StatusTotalFailure, Err: err}
}

// Unsupported marks a capability the adapter does not provide.
func Unsupported[T any]() Outcome[T] {
	return Outcome[T]{Status: StatusUnsupported}
}

// Usable reports whether the outcome carries records worth merging.
func (o Outcome[T]) Usable() bool {
	return (o.Status == StatusSuccess || o.Status == StatusPartialFailure) && len(o.Records) > 0
}
