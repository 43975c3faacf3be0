package cluster

import "fmt"

// IndexEntryUpdate is broadcast whenever an indexed metadata field of a
// connection changes hands. Only the node owning the connection emits updates
// for its tokens, so last-writer-wins per (field, value, token) is sufficient.
type IndexEntryUpdate struct {
	// Field is the indexed metadata field name
	Field string `json:"field" validate:"required"`
	// Value is the metadata field value
	Value string `json:"value" validate:"required"`
	// ConnToken is the connection holding this value
	ConnToken string `json:"conn_token" validate:"required"`
	// OwnerNode is the node holding the live connection
	OwnerNode string `json:"owner_node" validate:"required"`
	// Retired marks the entry as removed instead of inserted
	Retired bool `json:"retired"`
}

// String toString function
func (u IndexEntryUpdate) String() string {
	op := "SET"
	if u.Retired {
		op = "RETIRE"
	}
	return fmt.Sprintf("%s %s=%s => %s@%s", op, u.Field, u.Value, u.ConnToken, u.OwnerNode)
}

// SessionKill orders the node owning a connection to force-terminate it
type SessionKill struct {
	// ConnToken is the connection to terminate
	ConnToken string `json:"conn_token" validate:"required"`
	// Reason is a short human-readable explanation sent in the close frame
	Reason string `json:"reason" validate:"required"`
}

// MetadataQuery point-to-point request for a connection's metadata record
type MetadataQuery struct {
	// ConnToken is the connection being queried
	ConnToken string `json:"conn_token" validate:"required"`
}

// MetadataAnswer response to a MetadataQuery
type MetadataAnswer struct {
	// Found indicates whether the queried node knows the connection
	Found bool `json:"found"`
	// Fields is the metadata record, set only when Found
	Fields map[string]string `json:"fields,omitempty"`
}
