package roster

// Outcome tags how a pipeline run ended when it did not fail.
type Outcome string

const (
	// OutcomeUnchanged means the fingerprint matched and nothing was parsed.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeChangedNoNewRows means the page changed but held no new tracked-team rows.
	OutcomeChangedNoNewRows Outcome = "changed_no_new_rows"
	// OutcomeNewRows means new transactions were persisted.
	OutcomeNewRows Outcome = "changed_with_new_rows"
	// OutcomeSkipped means another run held the run lease.
	OutcomeSkipped Outcome = "skipped"
)

// Message is the human-readable summary returned to the scheduler.
func (o Outcome) Message() string {
	switch o {
	case OutcomeUnchanged:
		return "No changes"
	case OutcomeChangedNoNewRows:
		return "No new rows detected but page changed"
	case OutcomeSkipped:
		return "Another run is in progress"
	default:
		return ""
	}
}

// Result is the structured outcome of a completed run.
type Result struct {
	Outcome       Outcome       `json:"outcome"`
	Records       []Transaction `json:"records"`
	NewCount      int           `json:"newCount"`
	NotifiedCount int           `json:"notifiedCount"`
	Changed       bool          `json:"changed"`
	Forced        bool          `json:"forced"`
	SendPush      bool          `json:"sendPush"`
}

// InsertResult is the outcome of a manual insert.
type InsertResult struct {
	Records  []Transaction `json:"records"`
	Received int           `json:"received"`
	Added    int           `json:"added"`
}
