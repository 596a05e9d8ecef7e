package aggregation

// Registry pairs a Table with its Tracker so both are collected together.
type Registry struct {
	Table   *Table
	Tracker *Tracker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{Table: NewTable(), Tracker: NewTracker()}
}

// MaybeCollect removes the state and records for query once every request for it
// is delivered and fully received. A query with requests still open keeps its
// candidates for later arrivals. Returns true if the query was collected.
func (r *Registry) MaybeCollect(query string) bool {
	if !r.Tracker.Finished(query) {
		return false
	}
	r.Table.Remove(query)
	r.Tracker.Remove(query)
	return true
}
