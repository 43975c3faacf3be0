package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/evgate/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// MissingIndexedFieldError signals a metadata update lacking a value for a
// configured indexed field. The prior record is retained unchanged.
type MissingIndexedFieldError struct {
	// Field is the indexed field missing from the update
	Field string
}

// Error implements the error interface
func (e MissingIndexedFieldError) Error() string {
	return fmt.Sprintf("metadata update missing indexed field '%s'", e.Field)
}

// MetadataRecord is the metadata associated with one connection. Owned by the
// node holding the live connection; mutated only through full replacement.
type MetadataRecord struct {
	// ConnToken is the connection this record belongs to
	ConnToken string `json:"conn_token" validate:"required"`
	// OwnerNode is the node holding the live connection
	OwnerNode string `json:"owner_node" validate:"required"`
	// Fields is the metadata field name to value mapping
	Fields map[string]string `json:"fields" validate:"required"`
	// UpdatedAt is the timestamp of the last replacement
	UpdatedAt time.Time `json:"updated_at"`
}

// IndexEntry is the cluster-visible fact "this field=value belongs to this
// connection, owned by this node"
type IndexEntry struct {
	// Field is the indexed metadata field name
	Field string `json:"field" validate:"required"`
	// Value is the metadata field value
	Value string `json:"value" validate:"required"`
	// ConnToken is the connection holding this value
	ConnToken string `json:"conn_token" validate:"required"`
	// OwnerNode is the node holding the live connection
	OwnerNode string `json:"owner_node" validate:"required"`
}

// String toString function
func (e IndexEntry) String() string {
	return fmt.Sprintf("%s=%s => %s@%s", e.Field, e.Value, e.ConnToken, e.OwnerNode)
}

// ==============================================================================

// Store is the local authority for the metadata of connections owned by
// this node
type Store interface {
	// SetMetadata fully replace the metadata record of a connection.
	//
	// JWT derived fields overwrite client supplied fields of the same name.
	// The update is rejected with MissingIndexedFieldError unless every
	// configured indexed field is present; the prior record is then retained.
	// Returned are the index entries to propagate and the entries to retire.
	SetMetadata(
		ctxt context.Context,
		connToken string,
		clientFields map[string]string,
		claimSets ...Claims,
	) (MetadataRecord, []IndexEntry, []IndexEntry, error)
	// GetRecord read the metadata record of a locally owned connection
	GetRecord(connToken string) (MetadataRecord, bool)
	// ClearRecord remove the metadata record of a connection, returning the
	// index entries to retire. Idempotent.
	ClearRecord(ctxt context.Context, connToken string) ([]IndexEntry, error)
}

// metadataStoreImpl implements Store
type metadataStoreImpl struct {
	common.Component
	nodeName string
	config   common.MetadataConfig
	lock     sync.RWMutex
	records  map[string]MetadataRecord
	validate *validator.Validate
}

// GetMetadataStore define a metadata store for connections owned by this node
func GetMetadataStore(nodeName string, config common.MetadataConfig) (Store, error) {
	logTags := log.Fields{
		"module": "metadata", "component": "store", "instance": nodeName,
	}
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Metadata config invalid")
		return nil, err
	}
	return &metadataStoreImpl{
		Component: common.Component{LogTags: logTags},
		nodeName:  nodeName,
		config:    config,
		records:   make(map[string]MetadataRecord),
		validate:  validate,
	}, nil
}

// SetMetadata fully replace the metadata record of a connection
func (s *metadataStoreImpl) SetMetadata(
	ctxt context.Context,
	connToken string,
	clientFields map[string]string,
	claimSets ...Claims,
) (MetadataRecord, []IndexEntry, []IndexEntry, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)

	// JWT wins key-for-key over client supplied fields
	effective := map[string]string{}
	for name, value := range clientFields {
		effective[name] = value
	}
	for name, value := range MergeJWTFields(s.config.JWTClaimMapping, claimSets...) {
		effective[name] = value
	}

	// Every indexed field must be present
	for _, field := range s.config.IndexedFields {
		if _, ok := effective[field]; !ok {
			err := MissingIndexedFieldError{Field: field}
			log.WithError(err).WithFields(localLogTags).Debugf(
				"Rejected metadata update for %s", connToken,
			)
			return MetadataRecord{}, nil, nil, err
		}
	}

	newRecord := MetadataRecord{
		ConnToken: connToken,
		OwnerNode: s.nodeName,
		Fields:    effective,
		UpdatedAt: time.Now(),
	}

	s.lock.Lock()
	prior, hadPrior := s.records[connToken]
	s.records[connToken] = newRecord
	s.lock.Unlock()

	// Work out which index entries changed hands
	var toSet, toRetire []IndexEntry
	for _, field := range s.config.IndexedFields {
		newValue := effective[field]
		if hadPrior {
			if oldValue, ok := prior.Fields[field]; ok {
				if oldValue == newValue {
					// Value unchanged, nothing to propagate
					continue
				}
				toRetire = append(toRetire, IndexEntry{
					Field: field, Value: oldValue, ConnToken: connToken, OwnerNode: s.nodeName,
				})
			}
		}
		toSet = append(toSet, IndexEntry{
			Field: field, Value: newValue, ConnToken: connToken, OwnerNode: s.nodeName,
		})
	}

	log.WithFields(localLogTags).Infof(
		"Replaced metadata record for %s: %d fields, %d index updates, %d retired",
		connToken, len(effective), len(toSet), len(toRetire),
	)
	return newRecord, toSet, toRetire, nil
}

// GetRecord read the metadata record of a locally owned connection
func (s *metadataStoreImpl) GetRecord(connToken string) (MetadataRecord, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	record, ok := s.records[connToken]
	return record, ok
}

// ClearRecord remove the metadata record of a connection
func (s *metadataStoreImpl) ClearRecord(
	ctxt context.Context, connToken string,
) ([]IndexEntry, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)

	s.lock.Lock()
	prior, hadPrior := s.records[connToken]
	delete(s.records, connToken)
	s.lock.Unlock()

	if !hadPrior {
		return nil, nil
	}
	var toRetire []IndexEntry
	for _, field := range s.config.IndexedFields {
		if value, ok := prior.Fields[field]; ok {
			toRetire = append(toRetire, IndexEntry{
				Field: field, Value: value, ConnToken: connToken, OwnerNode: s.nodeName,
			})
		}
	}
	log.WithFields(localLogTags).Infof(
		"Cleared metadata record for %s: %d index entries retired", connToken, len(toRetire),
	)
	return toRetire, nil
}
