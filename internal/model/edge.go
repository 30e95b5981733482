package model

// Edge connects a source and destination entity through an association entity
type Edge struct {
	Src     EntityDataKey
	Dst     EntityDataKey
	Edge    EntityDataKey
	Version int64
}

// Touches reports whether the edge references key at any of its three ends
func (e *Edge) Touches(key EntityDataKey) bool {
	return e.Src == key || e.Dst == key || e.Edge == key
}
