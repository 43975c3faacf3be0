package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/evgate/cluster"
	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/metadata"
	"github.com/alwitt/evgate/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SessionManager tracks the sessions owned by this node, and runs the
// cluster-facing operations which act on sessions by connection token.
type SessionManager interface {
	// NewSession define a session for a freshly accepted connection. The
	// connection token is generated here and never reused.
	NewSession(ctxt context.Context, sink FrameSink) (Session, error)
	// GetSession fetch a locally owned session
	GetSession(connToken string) (Session, bool)
	// KillSession request termination of a session anywhere in the cluster
	KillSession(ctxt context.Context, connToken, reason string) error
	// ApplyMetadataUpdate replace a local session's metadata record and
	// propagate the resulting index changes
	ApplyMetadataUpdate(
		ctxt context.Context,
		connToken string,
		clientFields map[string]string,
		claimSets ...metadata.Claims,
	) error
	// Start begin watching cluster kill requests
	Start(wg *sync.WaitGroup) error
}

// sessionManagerImpl implements SessionManager
type sessionManagerImpl struct {
	common.Component
	nodeName       string
	baseCtxt       context.Context
	transport      cluster.Transport
	registry       subscription.Registry
	store          metadata.Store
	index          metadata.Index
	sessionConfig  common.SessionConfig
	metadataConfig common.MetadataConfig
	wg             *sync.WaitGroup
	lock           sync.RWMutex
	sessions       map[string]Session
	validate       *validator.Validate
}

// GetSessionManager define a session manager for this node
func GetSessionManager(
	ctxt context.Context,
	transport cluster.Transport,
	registry subscription.Registry,
	store metadata.Store,
	index metadata.Index,
	sessionConfig common.SessionConfig,
	metadataConfig common.MetadataConfig,
	wg *sync.WaitGroup,
) (SessionManager, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "session-manager", "instance": transport.NodeName(),
	}
	return &sessionManagerImpl{
		Component:      common.Component{LogTags: logTags},
		nodeName:       transport.NodeName(),
		baseCtxt:       ctxt,
		transport:      transport,
		registry:       registry,
		store:          store,
		index:          index,
		sessionConfig:  sessionConfig,
		metadataConfig: metadataConfig,
		wg:             wg,
		sessions:       make(map[string]Session),
		validate:       validator.New(),
	}, nil
}

// Start begin watching cluster kill requests
func (m *sessionManagerImpl) Start(wg *sync.WaitGroup) error {
	if err := m.transport.SubscribeBroadcast(
		cluster.ChannelKill, m.handleKillBroadcast, wg,
	); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to watch kill broadcasts")
		return err
	}
	return nil
}

// NewSession define a session for a freshly accepted connection
func (m *sessionManagerImpl) NewSession(
	ctxt context.Context, sink FrameSink,
) (Session, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	connToken := uuid.New().String()
	session, err := GetSession(
		m.baseCtxt, connToken, sink, m.registry, m.store, m.index, m.sessionConfig, m.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define new session")
		return nil, err
	}
	m.lock.Lock()
	m.sessions[connToken] = session
	m.lock.Unlock()
	// Forget the session once it reaches CLOSED
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-session.Done():
		case <-m.baseCtxt.Done():
		}
		m.lock.Lock()
		delete(m.sessions, connToken)
		m.lock.Unlock()
	}()
	log.WithFields(localLogTags).Infof("Defined session %s", connToken)
	return session, nil
}

// GetSession fetch a locally owned session
func (m *sessionManagerImpl) GetSession(connToken string) (Session, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	session, ok := m.sessions[connToken]
	return session, ok
}

// KillSession request termination of a session anywhere in the cluster.
// The request is broadcast; the owning node applies it.
func (m *sessionManagerImpl) KillSession(
	ctxt context.Context, connToken, reason string,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	request := cluster.SessionKill{ConnToken: connToken, Reason: reason}
	serialized, err := json.Marshal(&request)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize kill request for %s", connToken,
		)
		return err
	}
	if err := m.transport.Broadcast(ctxt, cluster.ChannelKill, serialized); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to broadcast kill request for %s", connToken,
		)
		return err
	}
	log.WithFields(localLogTags).Infof("Requested kill of %s: %s", connToken, reason)
	return nil
}

// handleKillBroadcast apply a cluster kill request if the session is local
func (m *sessionManagerImpl) handleKillBroadcast(ctxt context.Context, payload []byte) {
	var request cluster.SessionKill
	if err := json.Unmarshal(payload, &request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to read kill request: %s", payload,
		)
		return
	}
	if err := m.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to validate kill request: %s", payload,
		)
		return
	}
	session, ok := m.GetSession(request.ConnToken)
	if !ok {
		return
	}
	if err := session.OnSessionKilled(request.Reason, ctxt); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to kill session %s", request.ConnToken,
		)
	}
}

// ApplyMetadataUpdate replace a local session's metadata record and
// propagate the resulting index changes
func (m *sessionManagerImpl) ApplyMetadataUpdate(
	ctxt context.Context,
	connToken string,
	clientFields map[string]string,
	claimSets ...metadata.Claims,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	if _, ok := m.GetSession(connToken); !ok {
		return fmt.Errorf("connection %s is not active on this node", connToken)
	}
	record, toSet, toRetire, err := m.store.SetMetadata(
		ctxt, connToken, clientFields, claimSets...,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Metadata update for %s rejected", connToken,
		)
		return err
	}
	if len(toRetire) > 0 {
		if err := m.index.PropagateRetire(ctxt, toRetire); err != nil {
			return err
		}
	}
	if len(toSet) > 0 {
		if err := m.index.PropagateSet(ctxt, toSet); err != nil {
			return err
		}
	}
	return m.supersedeOlderSessions(ctxt, record)
}

// supersedeOlderSessions kill other sessions sharing the supersede field's
// value with this record. Newest writer wins.
func (m *sessionManagerImpl) supersedeOlderSessions(
	ctxt context.Context, record metadata.MetadataRecord,
) error {
	if m.metadataConfig.SupersedeField == "" {
		return nil
	}
	value, ok := record.Fields[m.metadataConfig.SupersedeField]
	if !ok {
		return nil
	}
	for _, entry := range m.index.LookupByIndex(m.metadataConfig.SupersedeField, value) {
		if entry.ConnToken == record.ConnToken {
			continue
		}
		reason := fmt.Sprintf(
			"superseded by newer session for %s=%s", entry.Field, entry.Value,
		)
		if err := m.KillSession(ctxt, entry.ConnToken, reason); err != nil {
			return err
		}
	}
	return nil
}
