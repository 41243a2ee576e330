// Package deception turns raw attacker input into protocol-plausible
// responses backed by the shared virtual filesystem. Every processed input
// produces exactly one event; input the grammar cannot parse soft-fails
// with the error text the real service would emit.
package deception

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
	"github.com/111bobmoin/myLLMhoneynet/internal/vfs"
)

// respPreview caps the response text recorded in event payloads.
const respPreview = 160

// SessionContext carries the per-session state the interpreter reads and
// mutates. The session engine owns it; the interpreter never retains it
// across calls.
type SessionContext struct {
	Service       schemas.ServiceKind
	Username      string
	CWD           string
	Home          string
	Authenticated bool
	History       []string
	RemoteAddr    string
}

// Response is what one applied input yields: terminal or control output,
// an optional FTP data-channel payload with its completion replies, a close
// marker and the event describing what the attacker did.
type Response struct {
	Output string
	// Data carries an FTP data-channel payload; DataOK / DataFail are the
	// control replies for the transfer outcome. All three are empty for
	// non-transfer responses.
	Data     string
	DataOK   string
	DataFail string
	Close    bool
	Event    schemas.Event
}

// ShellConfig is the grammar configuration shared by the SSH and Telnet
// decoys.
type ShellConfig struct {
	Hostname     string            `json:"hostname"`
	Uname        string            `json:"uname"`
	FakeCommands map[string]string `json:"fake_commands"`
	PsOutput     []string          `json:"ps_output"`
	EnvOutput    []string          `json:"env_output"`
	Ifconfig     []string          `json:"ifconfig_output"`
	Netstat      []string          `json:"netstat_output"`
}

// FTPConfig is the FTP control-channel grammar.
type FTPConfig struct {
	SystResponse     string              `json:"syst_response"`
	Features         []string            `json:"features"`
	CommandResponses map[string][]string `json:"command_responses"`
}

// HTTPRoute is one configured route of the HTTP decoy.
type HTTPRoute struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"response_headers"`
	// JWTLure makes the route answer with a deliberately weak signed token.
	JWTLure bool `json:"jwt_lure"`
}

// HTTPConfig is the HTTP decoy grammar.
type HTTPConfig struct {
	ServerHeader   string            `json:"server_header"`
	DefaultStatus  int               `json:"default_status"`
	DefaultHeaders map[string]string `json:"default_headers"`
	Routes         []HTTPRoute       `json:"routes"`
	NotFound       *HTTPRoute        `json:"not_found"`
	JWTSecret      string            `json:"jwt_secret"`
}

// MySQLConfig is the MySQL decoy grammar.
type MySQLConfig struct {
	StatementResponses map[string]string `json:"command_responses"`
	DefaultResponse    string            `json:"default_response"`
	Farewell           string            `json:"farewell"`
}

// Interpreter applies attacker input for every protocol of one host. It is
// safe for concurrent use; all mutable state lives in the SessionContext
// and the filesystem.
type Interpreter struct {
	fs    *vfs.FS
	shell ShellConfig
	ftp   FTPConfig
	http  HTTPConfig
	mysql MySQLConfig
	log   *zap.Logger
}

// Option tweaks interpreter construction.
type Option func(*Interpreter)

func WithShellConfig(cfg ShellConfig) Option { return func(it *Interpreter) { it.shell = cfg } }
func WithFTPConfig(cfg FTPConfig) Option     { return func(it *Interpreter) { it.ftp = cfg } }
func WithHTTPConfig(cfg HTTPConfig) Option   { return func(it *Interpreter) { it.http = cfg } }
func WithMySQLConfig(cfg MySQLConfig) Option { return func(it *Interpreter) { it.mysql = cfg } }

// NewInterpreter builds the dispatcher over a shared filesystem.
func NewInterpreter(fs *vfs.FS, opts ...Option) *Interpreter {
	it := &Interpreter{
		fs:  fs,
		log: observability.GetLogger().Named("deception"),
	}
	for _, opt := range opts {
		opt(it)
	}
	if it.http.ServerHeader == "" {
		it.http.ServerHeader = "Apache/2.4.52 (Ubuntu)"
	}
	if it.http.DefaultStatus == 0 {
		it.http.DefaultStatus = 404
	}
	if it.mysql.DefaultResponse == "" {
		it.mysql.DefaultResponse = "ERROR 1064 (42000): You have an error in your SQL syntax; " +
			"check the manual that corresponds to your MySQL server version for the right syntax to use near '' at line 1"
	}
	if it.mysql.Farewell == "" {
		it.mysql.Farewell = "Bye"
	}
	return it
}

// Apply routes one raw input line through the grammar of the session's
// protocol. It never returns an error to the caller: anything unparseable
// becomes a plausible in-protocol failure, and exactly one event is
// attached describing the input.
func (it *Interpreter) Apply(ctx context.Context, sess *SessionContext, raw string) Response {
	if err := ctx.Err(); err != nil {
		return Response{Close: true, Event: commandEvent(raw, "", sess.CWD)}
	}
	switch sess.Service {
	case schemas.ServiceSSH, schemas.ServiceTelnet:
		return it.applyShell(sess, raw)
	case schemas.ServiceFTP:
		return it.applyFTP(sess, raw)
	case schemas.ServiceHTTP, schemas.ServiceHTTPS:
		return it.applyHTTP(sess, raw)
	case schemas.ServiceMySQL:
		return it.applyMySQL(sess, raw)
	default:
		it.log.Warn("input for unsupported service", zap.String("service", string(sess.Service)))
		return Response{Close: true, Event: commandEvent(raw, "", sess.CWD)}
	}
}

// FS exposes the interpreter's backing filesystem for memory construction.
func (it *Interpreter) FS() *vfs.FS { return it.fs }

// HTTPGrammar exposes the configured HTTP grammar for route-aware callers.
func (it *Interpreter) HTTPGrammar() HTTPConfig { return it.http }

func commandEvent(command, response, cwd string) schemas.Event {
	return schemas.Event{
		Kind: schemas.EventCommand,
		Payload: map[string]any{
			"command":  command,
			"response": truncate(response, respPreview),
			"cwd":      cwd,
		},
	}
}

// protocolErrorEvent tags input the grammar could not parse. The response
// still soft-fails in protocol, but the event kind lets downstream analysis
// distinguish probing garbage from recognized commands.
func protocolErrorEvent(input, response, cwd string) schemas.Event {
	return schemas.Event{
		Kind: schemas.EventProtocolError,
		Payload: map[string]any{
			"input":    truncate(input, respPreview),
			"response": truncate(response, respPreview),
			"cwd":      cwd,
		},
	}
}

func fileAccessEvent(command, path, response string) schemas.Event {
	return schemas.Event{
		Kind: schemas.EventFileAccess,
		Payload: map[string]any{
			"command":  command,
			"path":     path,
			"response": truncate(response, respPreview),
		},
	}
}

func writeEvent(command string, rec vfs.WriteRecord) schemas.Event {
	return schemas.Event{
		Kind: schemas.EventWrite,
		Payload: map[string]any{
			"command": command,
			"path":    rec.Path,
			"created": rec.Created,
			"size":    rec.Size,
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func fmtBashError(cmd, msg string) string {
	return fmt.Sprintf("bash: %s: %s", cmd, msg)
}

// splitCommand separates the first whitespace-delimited token from the rest.
func splitCommand(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, " \t"); i >= 0 {
		return raw[:i], strings.TrimSpace(raw[i+1:])
	}
	return raw, ""
}
