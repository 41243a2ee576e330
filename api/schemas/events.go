package schemas

import "time"

// ServiceKind identifies one of the decoy protocols a host can expose.
type ServiceKind string

const (
	ServiceSSH    ServiceKind = "ssh"
	ServiceTelnet ServiceKind = "telnet"
	ServiceFTP    ServiceKind = "ftp"
	ServiceHTTP   ServiceKind = "http"
	ServiceHTTPS  ServiceKind = "https"
	ServiceMySQL  ServiceKind = "mysql"
)

// AllServiceKinds lists every protocol the session engine can serve, in the
// order listeners are started.
var AllServiceKinds = []ServiceKind{
	ServiceSSH, ServiceTelnet, ServiceFTP, ServiceHTTP, ServiceHTTPS, ServiceMySQL,
}

// Valid reports whether k names a supported decoy protocol.
func (k ServiceKind) Valid() bool {
	switch k {
	case ServiceSSH, ServiceTelnet, ServiceFTP, ServiceHTTP, ServiceHTTPS, ServiceMySQL:
		return true
	}
	return false
}

// EventKind classifies a single record in the append-only event log.
type EventKind string

const (
	EventStartup        EventKind = "startup"
	EventConnect        EventKind = "connect"
	EventAuthAttempt    EventKind = "auth_attempt"
	EventCommand        EventKind = "command"
	EventFileAccess     EventKind = "file_access"
	EventWrite          EventKind = "write"
	EventProtocolError  EventKind = "protocol_error"
	EventTransportError EventKind = "transport_error"
	EventDisconnect     EventKind = "disconnect"
)

// Event is one immutable fact appended to a host's event log. Events from a
// single session are totally ordered by arrival; events across sessions on
// the same host are ordered by log-append order only.
type Event struct {
	Host      string         `json:"host"`
	Service   ServiceKind    `json:"service"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// PayloadString extracts a string payload field, returning "" when absent or
// of another type. Rule predicates treat missing fields as non-matching, so
// the zero value is the right degradation.
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// PayloadBool extracts a bool payload field; the second return reports
// whether the field was present and boolean.
func (e Event) PayloadBool(key string) (bool, bool) {
	if e.Payload == nil {
		return false, false
	}
	b, ok := e.Payload[key].(bool)
	return b, ok
}

// CredentialPolicy selects how a decoy service judges credentials.
type CredentialPolicy string

const (
	// PolicyAcceptAll lets any credential pair through. Useful for decoys
	// whose value is in the post-auth command surface.
	PolicyAcceptAll CredentialPolicy = "accept-all"
	// PolicyAcceptListed accepts only the configured user/password pairs.
	PolicyAcceptListed CredentialPolicy = "accept-listed"
	// PolicyDelayThenFail never accepts; each attempt is answered after a
	// growing simulated delay until the attempt budget is exhausted.
	PolicyDelayThenFail CredentialPolicy = "delay-then-fail"
)

// Valid reports whether p is one of the recognized policies.
func (p CredentialPolicy) Valid() bool {
	switch p {
	case PolicyAcceptAll, PolicyAcceptListed, PolicyDelayThenFail:
		return true
	}
	return false
}
