// Package node manages companion peers: pairing, connection state,
// screen-capture consent, request/response correlation over the gateway's
// sockets, and validation of commands delegated to a companion.
package node

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/moonbotlabs/moonbot"
)

// Pairing defaults.
const (
	defaultPairingTTL  = 5 * time.Minute
	defaultNodesPer    = 5
	defaultIdleTimeout = time.Hour
	pairingCodeLen     = 8
)

// pairingAlphabet is the 34-symbol code alphabet: digits and uppercase
// letters minus I and O, which read ambiguously.
const pairingAlphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// Status is a companion connection's lifecycle state.
type Status string

// Connection statuses.
const (
	StatusPaired  Status = "paired"
	StatusPending Status = "pending"
	StatusOffline Status = "offline"
	StatusExpired Status = "expired"
)

// Capabilities declares what a companion can do on behalf of the user.
type Capabilities struct {
	ScreenCapture bool `json:"screenCapture"`
	CommandExec   bool `json:"commandExec"`
}

// Consent is the user's screen-capture grant for one node. A zero
// ExpiresAt means the grant does not expire.
type Consent struct {
	Granted   bool  `json:"granted"`
	GrantedAt int64 `json:"grantedAt,omitempty"`
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// Info is what a companion reports about itself when pairing.
type Info struct {
	NodeName     string       `json:"nodeName"`
	Platform     string       `json:"platform"`
	Capabilities Capabilities `json:"capabilities"`
}

// Connection is one companion's record. Owned by the SessionManager;
// callers receive copies.
type Connection struct {
	NodeID       string       `json:"nodeId"`
	SocketID     string       `json:"socketId"`
	UserID       string       `json:"userId"`
	NodeName     string       `json:"nodeName"`
	Platform     string       `json:"platform"`
	Capabilities Capabilities `json:"capabilities"`
	Consent      Consent      `json:"consent"`
	Status       Status       `json:"status"`
	PairedAt     int64        `json:"pairedAt"`
	LastSeen     int64        `json:"lastSeen"`
}

type pairingCode struct {
	userID    string
	createdAt time.Time
	expiresAt time.Time
}

// SessionManager owns companion connections and active pairing codes.
type SessionManager struct {
	mu          sync.Mutex
	nodes       map[string]*Connection // nodeID
	bySocket    map[string]string      // socketID → nodeID
	codes       map[string]pairingCode
	pairingTTL  time.Duration
	nodesPer    int
	idleTimeout time.Duration
	logger      *slog.Logger
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithPairingTTL sets how long a pairing code stays valid. Default: 5 min.
func WithPairingTTL(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.pairingTTL = d }
}

// WithNodesPerUser bounds paired companions per user. Default: 5.
func WithNodesPerUser(n int) SessionOption {
	return func(m *SessionManager) { m.nodesPer = n }
}

// WithIdleTimeout sets how long an offline node's record survives.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.idleTimeout = d }
}

// WithSessionLogger sets a structured logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(m *SessionManager) { m.logger = l }
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager(opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		nodes:       make(map[string]*Connection),
		bySocket:    make(map[string]string),
		codes:       make(map[string]pairingCode),
		pairingTTL:  defaultPairingTTL,
		nodesPer:    defaultNodesPer,
		idleTimeout: defaultIdleTimeout,
		logger:      discardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GeneratePairingCode mints a one-time code for userID. Fails when the
// user already has the maximum number of paired companions. The code is
// drawn until unique among active pairings.
func (m *SessionManager) GeneratePairingCode(userID string) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, n := range m.nodes {
		if n.UserID == userID && n.Status != StatusExpired {
			count++
		}
	}
	if count >= m.nodesPer {
		return "", time.Time{}, moonbot.Errf(moonbot.CodeNodeNotAvailable,
			"you have reached the companion limit",
			"user %s has %d nodes (limit %d)", userID, count, m.nodesPer)
	}

	now := time.Now()
	var code string
	for {
		code = randomCode(pairingCodeLen)
		if _, taken := m.codes[code]; !taken {
			break
		}
	}
	m.codes[code] = pairingCode{
		userID:    userID,
		createdAt: now,
		expiresAt: now.Add(m.pairingTTL),
	}
	m.logger.Info("pairing code issued", "user_id", userID)
	return code, now.Add(m.pairingTTL), nil
}

// CompletePairing consumes a valid code and promotes the socket to a
// paired companion. A companion re-pairing with the same (user, nodeName)
// updates the existing record rather than creating a second one. The code
// match is case-sensitive.
func (m *SessionManager) CompletePairing(code, socketID string, info Info) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.codes[code]
	if !ok || time.Now().After(pc.expiresAt) {
		delete(m.codes, code)
		return Connection{}, moonbot.NewTaskError(moonbot.CodeNodeNotFound,
			"invalid or expired pairing code")
	}
	delete(m.codes, code)

	now := moonbot.NowUnix()
	for _, n := range m.nodes {
		if n.UserID == pc.userID && n.NodeName == info.NodeName {
			delete(m.bySocket, n.SocketID)
			n.SocketID = socketID
			n.Platform = info.Platform
			n.Capabilities = info.Capabilities
			n.Status = StatusPaired
			n.LastSeen = now
			m.bySocket[socketID] = n.NodeID
			m.logger.Info("companion re-paired", "node_id", n.NodeID, "user_id", n.UserID)
			return *n, nil
		}
	}

	conn := &Connection{
		NodeID:       moonbot.NewID(),
		SocketID:     socketID,
		UserID:       pc.userID,
		NodeName:     info.NodeName,
		Platform:     info.Platform,
		Capabilities: info.Capabilities,
		Status:       StatusPaired,
		PairedAt:     now,
		LastSeen:     now,
	}
	m.nodes[conn.NodeID] = conn
	m.bySocket[socketID] = conn.NodeID
	m.logger.Info("companion paired", "node_id", conn.NodeID, "user_id", conn.UserID)
	return *conn, nil
}

// Get returns a copy of the node's record.
func (m *SessionManager) Get(nodeID string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return Connection{}, false
	}
	return *n, true
}

// BySocket resolves a socket to its node id.
func (m *SessionManager) BySocket(socketID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySocket[socketID]
	return id, ok
}

// ListByUser returns the user's companions, paired first.
func (m *SessionManager) ListByUser(userID string) []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paired, rest []Connection
	for _, n := range m.nodes {
		if n.UserID != userID {
			continue
		}
		if n.Status == StatusPaired {
			paired = append(paired, *n)
		} else {
			rest = append(rest, *n)
		}
	}
	return append(paired, rest...)
}

// MarkOffline flags the socket's node offline and returns its id. The
// record survives until the idle timeout so a reconnect can resume it.
func (m *SessionManager) MarkOffline(socketID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodeID, ok := m.bySocket[socketID]
	if !ok {
		return "", false
	}
	delete(m.bySocket, socketID)
	if n, ok := m.nodes[nodeID]; ok {
		n.Status = StatusOffline
		n.LastSeen = moonbot.NowUnix()
	}
	return nodeID, true
}

// Touch updates the node's liveness timestamp.
func (m *SessionManager) Touch(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[nodeID]; ok {
		n.LastSeen = moonbot.NowUnix()
	}
}

// GrantScreenCaptureConsent records the user's consent for nodeID. A zero
// duration grants until revoked.
func (m *SessionManager) GrantScreenCaptureConsent(nodeID string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return moonbot.NewTaskError(moonbot.CodeNodeNotFound, "unknown companion")
	}
	if !n.Capabilities.ScreenCapture {
		return moonbot.NewTaskError(moonbot.CodeNodeCapabilityMissing,
			"this companion cannot capture the screen")
	}
	now := moonbot.NowUnix()
	n.Consent = Consent{Granted: true, GrantedAt: now}
	if duration > 0 {
		n.Consent.ExpiresAt = now + int64(duration/time.Second)
	}
	return nil
}

// HasScreenCaptureConsent reports whether consent is currently in force,
// lazily revoking an expired grant.
func (m *SessionManager) HasScreenCaptureConsent(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok || !n.Consent.Granted {
		return false
	}
	if n.Consent.ExpiresAt != 0 && moonbot.NowUnix() >= n.Consent.ExpiresAt {
		n.Consent = Consent{}
		return false
	}
	return true
}

// Sweep drops expired pairing codes and expires offline nodes past the
// idle timeout. Returns the number of records touched.
func (m *SessionManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := 0
	for code, pc := range m.codes {
		if now.After(pc.expiresAt) {
			delete(m.codes, code)
			touched++
		}
	}
	cutoff := now.Add(-m.idleTimeout).Unix()
	for _, n := range m.nodes {
		if n.Status == StatusOffline && n.LastSeen <= cutoff {
			n.Status = StatusExpired
			touched++
		}
	}
	return touched
}

// randomCode draws n symbols uniformly from the pairing alphabet using
// crypto/rand.
func randomCode(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(pairingAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
		}
		buf[i] = pairingAlphabet[idx.Int64()]
	}
	return string(buf)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
