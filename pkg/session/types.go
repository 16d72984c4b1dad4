// Package session tracks client presence: session lifecycle, the
// documents each session has joined, and per-(session, document)
// ephemeral data such as cursors and pending operations.
//
// Sessions are in-memory. Sweepers demote inactive sessions to IDLE
// and remove expired ones; disconnection preserves a session so a
// client can reconnect under a new client id.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateActive means the client is connected and recently active.
	StateActive State = iota

	// StateIdle means no activity for longer than the idle timeout.
	// Activity promotes the session back to ACTIVE.
	StateIdle

	// StateDisconnected means the client went away but the session is
	// preserved for reconnection.
	StateDisconnected

	// StateExpired means the expiry sweeper removed the session.
	StateExpired

	// StateTerminated means the session was explicitly ended.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// live reports whether the state counts against the per-user cap.
func (s State) live() bool {
	return s == StateActive || s == StateIdle || s == StateDisconnected
}

// Session is a client's presence in the runtime.
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	ClientID     string            `json:"client_id"`
	DeviceInfo   map[string]string `json:"device_info,omitempty"`
	State        State             `json:"state"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	ExpiresAt    time.Time         `json:"expires_at"`

	// Documents are the ids this session has joined.
	Documents []string `json:"documents,omitempty"`
}

// record is the manager-internal session state; Session values handed
// to callers are derived copies.
type record struct {
	session   Session
	documents map[string]struct{}
	data      map[string]map[string]any // document id -> key -> value
}

func (r *record) snapshot() *Session {
	out := r.session
	if r.session.DeviceInfo != nil {
		out.DeviceInfo = make(map[string]string, len(r.session.DeviceInfo))
		for k, v := range r.session.DeviceInfo {
			out.DeviceInfo[k] = v
		}
	}
	out.Documents = make([]string, 0, len(r.documents))
	for doc := range r.documents {
		out.Documents = append(out.Documents, doc)
	}
	return &out
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}

// Config controls session manager behaviour.
type Config struct {
	// SessionTimeout is how long a session lives without being
	// refreshed by activity.
	SessionTimeout time.Duration `mapstructure:"session_timeout" validate:"gt=0"`

	// IdleTimeout demotes a session to IDLE after this much inactivity.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`

	// MaxSessionsPerUser caps live sessions per user; creating beyond
	// the cap terminates the oldest.
	MaxSessionsPerUser int `mapstructure:"max_sessions_per_user" validate:"gt=0"`

	// MaxDocumentsPerSession caps how many documents one session may
	// join.
	MaxDocumentsPerSession int `mapstructure:"max_documents_per_session" validate:"gt=0"`

	// SweepInterval is the cadence of the idle and expiry sweepers.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:         30 * time.Minute,
		IdleTimeout:            5 * time.Minute,
		MaxSessionsPerUser:     5,
		MaxDocumentsPerSession: 20,
		SweepInterval:          10 * time.Second,
	}
}
