package injector

// SuccessRecord ties a local id to the remote id the target system assigned.
type SuccessRecord struct {
	LocalID  string `json:"localId"`
	RemoteID string `json:"remoteId"`
}

// FailedRecord carries the reason a record was not created: a validation
// failure, a per-record rejection or a transport failure.
type FailedRecord struct {
	LocalID string `json:"localId"`
	Error   string `json:"error"`
}

// Summary is the aggregate view the surrounding system reports to users.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Result is the outcome of one injection run. It is built incrementally,
// one object type at a time, and never retracts an entry once added.
// Successful+Failed can be less than Total when a run is cancelled:
// records of types never reached are not processed, not failed.
type Result struct {
	Success []SuccessRecord `json:"success"`
	Failed  []FailedRecord  `json:"failed"`
	Summary Summary         `json:"summary"`
}

// ProgressFunc is invoked after each object-type phase completes.
type ProgressFunc func(processed, total int)
