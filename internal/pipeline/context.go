package pipeline

import (
	"github.com/lysyi3m/ingest-comb/internal/connector"
	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/normalize"
)

// RunContext is the state threaded through the stages of one run. Each stage
// reads what earlier stages produced and appends its own output.
type RunContext struct {
	Source database.Source
	Run    database.IngestionRun

	FetchedItems     []connector.FetchedItem
	NormalizedItems  []NormalizedItem
	StoredRevisions  []StoredRevision
	ChangedRevisions []StoredRevision

	ItemsFetched   int
	ItemsChanged   int
	ItemsFailed    int
	TicketsCreated int
}

// NormalizedItem is a successfully fetched item with its fingerprints.
type NormalizedItem struct {
	Item        connector.FetchedItem
	Fingerprint normalize.Result
}

// StoredRevision is the revision a run materialised for one content item.
type StoredRevision struct {
	Content   database.ContentItem
	Revision  database.ContentRevision
	IsChanged bool
}
