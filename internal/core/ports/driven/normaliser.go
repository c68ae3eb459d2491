package driven

// Normaliser extracts plain text from raw file content for indexing.
// Binary document formats (PDF) decode to text; code and prose pass through.
type Normaliser interface {
	// Normalise transforms raw content into plain text. For binary formats
	// raw holds the undecoded file bytes as a string.
	Normalise(raw string) (string, error)

	// Extensions returns the lowercase file extensions this normaliser
	// handles, including the leading dot.
	Extensions() []string

	// Priority breaks ties when multiple normalisers claim an extension
	// (higher = more specific).
	Priority() int
}

// NormaliserRegistry selects the best normaliser for a file extension.
type NormaliserRegistry interface {
	// Get returns the highest-priority normaliser for ext, or nil.
	Get(ext string) Normaliser

	// Register registers a normaliser.
	Register(n Normaliser)

	// Extensions returns every registered extension.
	Extensions() []string
}
