package flow

// Relationship is a named outcome a processor assigns to a record.
type Relationship struct {
	Name        string
	Description string
}

var (
	RelSuccess = Relationship{Name: "success", Description: "records processed successfully"}
	RelFailure = Relationship{Name: "failure", Description: "records that could not be processed"}
)
