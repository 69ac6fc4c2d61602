package presence

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/metrics"
)

var (
	// ErrAlreadyRegistered indicates a second registration for a live connection id.
	ErrAlreadyRegistered = errors.New("presence: connection already registered")
	// ErrNotRegistered indicates an unknown or unregistered connection id.
	ErrNotRegistered = errors.New("presence: connection not registered")
	// ErrNotMember indicates a delivery for a conversation the connection has left.
	ErrNotMember = errors.New("presence: connection is not a member of the conversation")
	// ErrInvalidConnection indicates a blank connection id or a missing outbox.
	ErrInvalidConnection = errors.New("presence: connection id and outbox are required")
	errMissingLookup     = errors.New("presence: conversation lookup is required")
)

// ConnectionID identifies one live transport connection.
type ConnectionID string

// NewConnectionID returns a time-ordered random connection id.
func NewConnectionID() ConnectionID {
	id, err := uuid.NewV7()
	if err != nil {
		return ConnectionID(uuid.NewString())
	}
	return ConnectionID(id.String())
}

// Identity is the verified user attached to a connection at handshake time.
type Identity struct {
	UserID   int64
	Username string
}

// Outbox accepts encoded events for one connection. Send must not block.
type Outbox interface {
	Send(payload []byte) error
}

// ConversationLookup reports whether a conversation exists.
type ConversationLookup interface {
	ConversationExists(ctx context.Context, conversationID int64) (bool, error)
}

// Registry tracks which connections listen to which conversations. Membership
// is partitioned by conversation id; unrelated conversations never share a lock.
type Registry struct {
	lookup ConversationLookup
	logger *zap.Logger

	connectionsMu sync.RWMutex
	connections   map[ConnectionID]*connection

	partitionsMu sync.Mutex
	partitions   map[int64]*partition
}

type partition struct {
	mu      sync.Mutex
	members map[ConnectionID]*connection
	retired bool
}

// connection lock is always taken before a partition lock.
type connection struct {
	id       ConnectionID
	identity Identity
	outbox   Outbox

	mu     sync.Mutex
	joined map[int64]struct{}
	closed bool
}

// NewRegistry constructs an empty registry.
func NewRegistry(lookup ConversationLookup, logger *zap.Logger) (*Registry, error) {
	if lookup == nil {
		return nil, errMissingLookup
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		lookup:      lookup,
		logger:      logger,
		connections: make(map[ConnectionID]*connection),
		partitions:  make(map[int64]*partition),
	}, nil
}

// RegisterConnection attaches identity and outbox to a new connection id.
func (r *Registry) RegisterConnection(id ConnectionID, identity Identity, outbox Outbox) error {
	if strings.TrimSpace(string(id)) == "" || outbox == nil {
		return ErrInvalidConnection
	}
	r.connectionsMu.Lock()
	defer r.connectionsMu.Unlock()
	if _, exists := r.connections[id]; exists {
		return ErrAlreadyRegistered
	}
	r.connections[id] = &connection{
		id:       id,
		identity: identity,
		outbox:   outbox,
		joined:   make(map[int64]struct{}),
	}
	metrics.ActiveConnections.Inc()
	r.logger.Debug("connection registered",
		zap.String("connection_id", string(id)),
		zap.Int64("user_id", identity.UserID))
	return nil
}

// Identity returns the identity of a registered connection.
func (r *Registry) Identity(id ConnectionID) (Identity, bool) {
	conn := r.connection(id)
	if conn == nil {
		return Identity{}, false
	}
	return conn.identity, true
}

// Join adds the connection to the conversation's members. It returns false
// without touching membership when the conversation does not exist.
func (r *Registry) Join(ctx context.Context, id ConnectionID, conversationID int64) (bool, error) {
	conn := r.connection(id)
	if conn == nil {
		return false, ErrNotRegistered
	}

	exists, err := r.lookup.ConversationExists(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return false, ErrNotRegistered
	}
	if _, member := conn.joined[conversationID]; member {
		return true, nil
	}
	for {
		p := r.partitionFor(conversationID)
		p.mu.Lock()
		if p.retired {
			p.mu.Unlock()
			continue
		}
		p.members[id] = conn
		p.mu.Unlock()
		break
	}
	conn.joined[conversationID] = struct{}{}
	return true, nil
}

// Leave removes the connection from the conversation. It reports whether the
// connection was a member.
func (r *Registry) Leave(id ConnectionID, conversationID int64) bool {
	conn := r.connection(id)
	if conn == nil {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if _, member := conn.joined[conversationID]; !member {
		return false
	}
	delete(conn.joined, conversationID)
	r.removeMember(conversationID, id)
	return true
}

// ConversationExists asks the backing lookup whether a conversation exists.
func (r *Registry) ConversationExists(ctx context.Context, conversationID int64) (bool, error) {
	return r.lookup.ConversationExists(ctx, conversationID)
}

// Unregister removes the connection from every conversation and discards its
// identity. It returns the conversations the connection was a member of.
func (r *Registry) Unregister(id ConnectionID) []int64 {
	r.connectionsMu.Lock()
	conn := r.connections[id]
	delete(r.connections, id)
	r.connectionsMu.Unlock()
	if conn == nil {
		return nil
	}
	metrics.ActiveConnections.Dec()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.closed = true
	left := make([]int64, 0, len(conn.joined))
	for conversationID := range conn.joined {
		r.removeMember(conversationID, id)
		left = append(left, conversationID)
	}
	conn.joined = nil
	slices.Sort(left)
	r.logger.Debug("connection unregistered",
		zap.String("connection_id", string(id)),
		zap.Int64("user_id", conn.identity.UserID),
		zap.Int("conversations", len(left)))
	return left
}

// ConversationsOf returns the conversations a connection currently belongs to.
func (r *Registry) ConversationsOf(id ConnectionID) []int64 {
	conn := r.connection(id)
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conversations := make([]int64, 0, len(conn.joined))
	for conversationID := range conn.joined {
		conversations = append(conversations, conversationID)
	}
	slices.Sort(conversations)
	return conversations
}

// MembersOf returns a point-in-time snapshot of the conversation's members.
func (r *Registry) MembersOf(conversationID int64) []ConnectionID {
	recipients := r.Recipients(conversationID)
	members := make([]ConnectionID, 0, len(recipients))
	for _, recipient := range recipients {
		members = append(members, recipient.ConnectionID)
	}
	return members
}

// Recipients returns a snapshot of the conversation's members with delivery handles.
func (r *Registry) Recipients(conversationID int64) []Recipient {
	r.partitionsMu.Lock()
	p := r.partitions[conversationID]
	r.partitionsMu.Unlock()
	if p == nil {
		return nil
	}

	p.mu.Lock()
	recipients := make([]Recipient, 0, len(p.members))
	for id, conn := range p.members {
		recipients = append(recipients, Recipient{
			ConnectionID:   id,
			Identity:       conn.identity,
			conversationID: conversationID,
			conn:           conn,
		})
	}
	p.mu.Unlock()

	slices.SortFunc(recipients, func(a, b Recipient) int {
		return strings.Compare(string(a.ConnectionID), string(b.ConnectionID))
	})
	return recipients
}

func (r *Registry) connection(id ConnectionID) *connection {
	r.connectionsMu.RLock()
	defer r.connectionsMu.RUnlock()
	return r.connections[id]
}

func (r *Registry) partitionFor(conversationID int64) *partition {
	r.partitionsMu.Lock()
	defer r.partitionsMu.Unlock()
	p, ok := r.partitions[conversationID]
	if !ok {
		p = &partition{members: make(map[ConnectionID]*connection)}
		r.partitions[conversationID] = p
	}
	return p
}

// removeMember drops id from the partition and retires the partition once empty.
func (r *Registry) removeMember(conversationID int64, id ConnectionID) {
	r.partitionsMu.Lock()
	p := r.partitions[conversationID]
	r.partitionsMu.Unlock()
	if p == nil {
		return
	}

	p.mu.Lock()
	delete(p.members, id)
	empty := len(p.members) == 0
	p.mu.Unlock()
	if !empty {
		return
	}

	r.partitionsMu.Lock()
	p.mu.Lock()
	if len(p.members) == 0 && r.partitions[conversationID] == p {
		p.retired = true
		delete(r.partitions, conversationID)
	}
	p.mu.Unlock()
	r.partitionsMu.Unlock()
}

// Recipient is one member captured by a membership snapshot.
type Recipient struct {
	ConnectionID ConnectionID
	Identity     Identity

	conversationID int64
	conn           *connection
}

// Deliver hands payload to the connection's outbox unless the connection has
// since left the conversation or unregistered.
func (r Recipient) Deliver(payload []byte) error {
	if r.conn == nil {
		return ErrNotRegistered
	}
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	if r.conn.closed {
		return ErrNotRegistered
	}
	if _, member := r.conn.joined[r.conversationID]; !member {
		return ErrNotMember
	}
	return r.conn.outbox.Send(payload)
}
