package domain

// IngestOptions narrows or widens what one ingestion run picks up.
type IngestOptions struct {
	// ExtraIgnoreDirs are additional directory names to skip, on top of the
	// built-in ignore set.
	ExtraIgnoreDirs map[string]struct{}

	// IncludePaths, when non-nil, restricts ingestion to these relative
	// paths (slash-separated). Used for incremental changed-files-only runs.
	IncludePaths map[string]struct{}
}
