package storage

// NewJSONRepository opens the file-backed datastore at path and returns it
// behind the Repository interface, for callers that select the backend at
// runtime.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}
