package model

// AttemptOutcome is the normalized record of one dispatch attempt against a
// single indexer.
type AttemptOutcome struct {
	Indexer         string `json:"indexer"`
	URL             string `json:"url"`
	FeeWei          string `json:"fee_wei"`
	ReceiptSequence uint64 `json:"receipt_sequence,omitempty"`
	ResponseTimeMs  uint32 `json:"response_time_ms"`
	Success         bool   `json:"success"`
	Verified        bool   `json:"verified"`
	Error           string `json:"error,omitempty"`
}

// QueryOutcome is the terminal record of one client query. Exactly one is
// emitted per query, regardless of how it ends.
type QueryOutcome struct {
	QueryID        string           `json:"query_id"`
	Caller         string           `json:"caller"`
	Deployment     string           `json:"deployment"`
	Result         string           `json:"result"`
	ResponseTimeMs uint32           `json:"response_time_ms"`
	TotalFeeWei    string           `json:"total_fee_wei"`
	Attempts       []AttemptOutcome `json:"attempts"`
	EmittedAt      string           `json:"emitted_at"`
}
