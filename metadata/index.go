package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/evgate/cluster"
	"github.com/alwitt/evgate/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrRecordNotFound no metadata record exists for the queried connection,
// locally or on the owning node
var ErrRecordNotFound = fmt.Errorf("metadata record not found")

// Index is the cluster-replicated mapping from an indexed field's value to
// the connections holding it. Local writes are broadcast to every node;
// reads are local and eventually consistent.
type Index interface {
	// PropagateSet record index entries locally and broadcast them
	PropagateSet(ctxt context.Context, entries []IndexEntry) error
	// PropagateRetire remove index entries locally and broadcast the retirement
	PropagateRetire(ctxt context.Context, entries []IndexEntry) error
	// LookupByIndex read the connections currently indexed under field=value.
	// The view may lag a concurrent remote write.
	LookupByIndex(fieldName, value string) []IndexEntry
	// ResolveMetadata fetch a connection's metadata record; locally owned
	// tokens are answered from the local store, others through a
	// point-to-point request to the owning node. ErrRecordNotFound when no
	// node knows the connection.
	ResolveMetadata(ctxt context.Context, connToken string) (MetadataRecord, error)
	// Start subscribe to index broadcasts and begin answering node requests
	Start(wg *sync.WaitGroup) error
}

// metadataIndexImpl implements Index
type metadataIndexImpl struct {
	common.Component
	nodeName  string
	store     Store
	transport cluster.Transport
	reqTO     time.Duration
	lock      sync.RWMutex
	// entries is field => value => conn token => owning node
	entries map[string]map[string]map[string]string
	// owners is conn token => owning node, for remote resolution
	owners   map[string]string
	validate *validator.Validate
}

// GetMetadataIndex define a metadata index replica for this node
func GetMetadataIndex(
	store Store, transport cluster.Transport, requestTimeout time.Duration,
) (Index, error) {
	logTags := log.Fields{
		"module": "metadata", "component": "index", "instance": transport.NodeName(),
	}
	return &metadataIndexImpl{
		Component: common.Component{LogTags: logTags},
		nodeName:  transport.NodeName(),
		store:     store,
		transport: transport,
		reqTO:     requestTimeout,
		entries:   make(map[string]map[string]map[string]string),
		owners:    make(map[string]string),
		validate:  validator.New(),
	}, nil
}

// Start subscribe to index broadcasts and begin answering node requests
func (i *metadataIndexImpl) Start(wg *sync.WaitGroup) error {
	if err := i.transport.SubscribeBroadcast(
		cluster.ChannelIndex, i.handleIndexBroadcast, wg,
	); err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Unable to watch index broadcasts")
		return err
	}
	if err := i.transport.ServeNodeRequests(i.handleNodeRequest, wg); err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Unable to serve metadata queries")
		return err
	}
	return nil
}

// ----------------------------------------------------------------------------------------
// Local writes

// PropagateSet record index entries locally and broadcast them
func (i *metadataIndexImpl) PropagateSet(ctxt context.Context, entries []IndexEntry) error {
	for _, entry := range entries {
		update := cluster.IndexEntryUpdate{
			Field:     entry.Field,
			Value:     entry.Value,
			ConnToken: entry.ConnToken,
			OwnerNode: entry.OwnerNode,
		}
		if err := i.broadcastUpdate(ctxt, update); err != nil {
			return err
		}
	}
	return nil
}

// PropagateRetire remove index entries locally and broadcast the retirement
func (i *metadataIndexImpl) PropagateRetire(ctxt context.Context, entries []IndexEntry) error {
	for _, entry := range entries {
		update := cluster.IndexEntryUpdate{
			Field:     entry.Field,
			Value:     entry.Value,
			ConnToken: entry.ConnToken,
			OwnerNode: entry.OwnerNode,
			Retired:   true,
		}
		if err := i.broadcastUpdate(ctxt, update); err != nil {
			return err
		}
	}
	return nil
}

// broadcastUpdate apply an update locally, then fan it out to the cluster.
// The broadcast echoes back to this node; applying is idempotent.
func (i *metadataIndexImpl) broadcastUpdate(
	ctxt context.Context, update cluster.IndexEntryUpdate,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, i.LogTags)
	i.apply(update)
	serialized, err := json.Marshal(&update)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", update)
		return err
	}
	// Fire-and-forget; remote replicas converge eventually
	if err := i.transport.Broadcast(ctxt, cluster.ChannelIndex, serialized); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to broadcast %s", update)
		return err
	}
	log.WithFields(localLogTags).Debugf("Propagated %s", update)
	return nil
}

// ----------------------------------------------------------------------------------------
// Replica maintenance

// handleIndexBroadcast apply an index update broadcast by some node
func (i *metadataIndexImpl) handleIndexBroadcast(ctxt context.Context, payload []byte) {
	var update cluster.IndexEntryUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf(
			"Failed to read index update: %s", payload,
		)
		return
	}
	if err := i.validate.Struct(&update); err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf(
			"Failed to validate index update: %s", payload,
		)
		return
	}
	i.apply(update)
}

// apply merge one index update into the local replica. Idempotent;
// last-writer-wins per (field, value, token).
func (i *metadataIndexImpl) apply(update cluster.IndexEntryUpdate) {
	i.lock.Lock()
	defer i.lock.Unlock()
	if update.Retired {
		if byValue, ok := i.entries[update.Field]; ok {
			if byToken, ok := byValue[update.Value]; ok {
				delete(byToken, update.ConnToken)
				if len(byToken) == 0 {
					delete(byValue, update.Value)
				}
			}
		}
		delete(i.owners, update.ConnToken)
		return
	}
	byValue, ok := i.entries[update.Field]
	if !ok {
		byValue = make(map[string]map[string]string)
		i.entries[update.Field] = byValue
	}
	byToken, ok := byValue[update.Value]
	if !ok {
		byToken = make(map[string]string)
		byValue[update.Value] = byToken
	}
	byToken[update.ConnToken] = update.OwnerNode
	i.owners[update.ConnToken] = update.OwnerNode
}

// ----------------------------------------------------------------------------------------
// Reads

// LookupByIndex read the connections currently indexed under field=value
func (i *metadataIndexImpl) LookupByIndex(fieldName, value string) []IndexEntry {
	i.lock.RLock()
	defer i.lock.RUnlock()
	results := []IndexEntry{}
	if byValue, ok := i.entries[fieldName]; ok {
		for connToken, ownerNode := range byValue[value] {
			results = append(results, IndexEntry{
				Field: fieldName, Value: value, ConnToken: connToken, OwnerNode: ownerNode,
			})
		}
	}
	return results
}

// ResolveMetadata fetch a connection's metadata record
func (i *metadataIndexImpl) ResolveMetadata(
	ctxt context.Context, connToken string,
) (MetadataRecord, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, i.LogTags)

	// Locally owned tokens are answered directly
	if record, ok := i.store.GetRecord(connToken); ok {
		return record, nil
	}

	i.lock.RLock()
	ownerNode, known := i.owners[connToken]
	i.lock.RUnlock()
	if !known || ownerNode == i.nodeName {
		return MetadataRecord{}, ErrRecordNotFound
	}

	// Ask the owning node
	query := cluster.MetadataQuery{ConnToken: connToken}
	serialized, err := json.Marshal(&query)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize metadata query for %s", connToken,
		)
		return MetadataRecord{}, err
	}
	reqCtxt, cancel := context.WithTimeout(ctxt, i.reqTO)
	defer cancel()
	respPayload, err := i.transport.Request(reqCtxt, ownerNode, serialized)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Metadata query for %s to %s failed", connToken, ownerNode,
		)
		return MetadataRecord{}, ErrRecordNotFound
	}
	var answer cluster.MetadataAnswer
	if err := json.Unmarshal(respPayload, &answer); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to parse metadata answer for %s from %s", connToken, ownerNode,
		)
		return MetadataRecord{}, err
	}
	if !answer.Found {
		return MetadataRecord{}, ErrRecordNotFound
	}
	return MetadataRecord{
		ConnToken: connToken, OwnerNode: ownerNode, Fields: answer.Fields,
	}, nil
}

// handleNodeRequest answer a metadata query from another node against the
// local store
func (i *metadataIndexImpl) handleNodeRequest(
	ctxt context.Context, payload []byte,
) ([]byte, error) {
	var query cluster.MetadataQuery
	if err := json.Unmarshal(payload, &query); err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf(
			"Failed to read metadata query: %s", payload,
		)
		return nil, err
	}
	answer := cluster.MetadataAnswer{}
	if record, ok := i.store.GetRecord(query.ConnToken); ok {
		answer.Found = true
		answer.Fields = record.Fields
	}
	return json.Marshal(&answer)
}
