package flume

// Failure tags classify why an element was quarantined.
const (
	FailureError   = "error"
	FailurePanic   = "panic"
	FailureTimeout = "timeout"
	FailureCrash   = "crash"
)

// Failure describes why one element was quarantined.
type Failure struct {
	Tag     string
	Message string
}

// QuarantineRecord pairs a failed input element with its failure. Exactly one
// record is produced per failed element; an element never yields both a good
// output and a record for the same failure.
type QuarantineRecord[In any] struct {
	Element Element[In]
	Failure Failure
}
