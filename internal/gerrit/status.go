package gerrit

// Status is the state of a change in the review system.
type Status string

const (
	StatusNew         Status = "NEW"
	StatusOpen        Status = "OPEN"
	StatusMerged      Status = "MERGED"
	StatusAbandoned   Status = "ABANDONED"
	StatusDeferred    Status = "DEFERRED"
	StatusStaged      Status = "STAGED"
	StatusIntegrating Status = "INTEGRATING"
	StatusStaging     Status = "STAGING"
)

// InProgress returns true if the change is currently being processed by the
// staging pipeline and no new action should be taken for it.
func (s Status) InProgress() bool {
	return s == StatusStaged || s == StatusIntegrating || s == StatusStaging
}

// Terminal returns true if the change reached a final state.
func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusAbandoned || s == StatusDeferred
}
