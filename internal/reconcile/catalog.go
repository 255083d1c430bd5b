// Package reconcile moves documents between the authoritative and the local
// store and materializes the chapter assets they reference.
package reconcile

// Policy is the sync policy assigned to a collection.
type Policy string

const (
	// PolicyMirror replaces the local collection with the authoritative one.
	PolicyMirror Policy = "mirror"
	// PolicyMergeDown upserts authoritative documents into the local store,
	// keeping the preserved fields of existing local documents.
	PolicyMergeDown Policy = "merge-down"
	// PolicyMergeUp upserts local documents into the authoritative store.
	PolicyMergeUp Policy = "merge-up"
	// PolicyMaterialize fetches referenced assets into local storage.
	PolicyMaterialize Policy = "materialize"
)

// Direction is the flow of a merge.
type Direction int

const (
	// Down flows authoritative to local.
	Down Direction = iota
	// Up flows local to authoritative.
	Up
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

const (
	ChaptersCollection     = "chapters"
	AssetURLField          = "pdfUrl"
	ResolvedAssetPathField = "resolvedAssetPath"
)

// Step is one entry of a reconciliation catalog.
type Step struct {
	Policy     Policy
	Collection string
	// PreservedFields keep their target-side value on merge-down.
	PreservedFields []string
	// AssetField holds the remote URL and ResolvedField the local path on
	// materialize steps.
	AssetField    string
	ResolvedField string
	// Force fetches assets again even when a resolved path is recorded.
	Force bool
}

func (s Step) Name() string {
	return string(s.Policy) + ":" + s.Collection
}

// DefaultCatalog is the ordered catalog of one reconciliation run.
func DefaultCatalog() []Step {
	steps := []Step{
		{
			Policy:          PolicyMergeDown,
			Collection:      ChaptersCollection,
			PreservedFields: []string{ResolvedAssetPathField},
		},
		MaterializeChapters(),
	}
	for _, name := range []string{"subjects", "questions", "syllabuses", "tests", "media"} {
		steps = append(steps, Step{Policy: PolicyMirror, Collection: name})
	}
	for _, name := range []string{"schools", "instructors", "users", "students", "studenttests", "subject-times", "chapter-times"} {
		steps = append(steps, Step{Policy: PolicyMergeUp, Collection: name})
	}
	return steps
}

// MaterializeChapters is the asset materialization step for chapters.
func MaterializeChapters() Step {
	return Step{
		Policy:        PolicyMaterialize,
		Collection:    ChaptersCollection,
		AssetField:    AssetURLField,
		ResolvedField: ResolvedAssetPathField,
	}
}
