package honeypot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/config"
	"github.com/111bobmoin/myLLMhoneynet/internal/deception"
	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
	"github.com/111bobmoin/myLLMhoneynet/internal/session"
)

// Runtime serves every configured decoy of one host. Listeners are
// supervised together: a listener that fails to bind aborts startup, while
// per-connection failures only ever terminate their own session.
type Runtime struct {
	host       string
	bind       string
	idle       time.Duration
	malformed  int
	profile    *HostProfile
	interp     *deception.Interpreter
	sink       schemas.EventSink
	limiter    *rate.Limiter
	sessionSem chan struct{}
	log        *zap.Logger

	// Lazily-built transport material, scoped to this runtime so two hosts
	// in one process never share keys or certificates.
	sshCache hostKeyCache
	tlsCache tlsConfigCache

	mu        sync.Mutex
	active    map[string]liveSession
	listeners []net.Listener
	addrs     map[schemas.ServiceKind]string
}

type liveSession struct {
	sess *session.Session
	conn net.Conn
}

// NewRuntime wires the host profile into a servable runtime. The
// interpreter's shell grammar comes from the SSH config when present,
// falling back to Telnet's; the remaining grammars from their own configs.
func NewRuntime(hostCfg config.HostConfig, profile *HostProfile, sink schemas.EventSink) *Runtime {
	shell := deception.ShellConfig{}
	if cfg, ok := profile.Services[schemas.ServiceSSH]; ok {
		shell = cfg.Shell
	} else if cfg, ok := profile.Services[schemas.ServiceTelnet]; ok {
		shell = cfg.Shell
	}
	opts := []deception.Option{deception.WithShellConfig(shell)}
	if cfg, ok := profile.Services[schemas.ServiceFTP]; ok {
		opts = append(opts, deception.WithFTPConfig(cfg.FTP))
	}
	if cfg, ok := profile.Services[schemas.ServiceHTTP]; ok {
		opts = append(opts, deception.WithHTTPConfig(cfg.HTTP))
	} else if cfg, ok := profile.Services[schemas.ServiceHTTPS]; ok {
		opts = append(opts, deception.WithHTTPConfig(cfg.HTTP))
	}
	if cfg, ok := profile.Services[schemas.ServiceMySQL]; ok {
		opts = append(opts, deception.WithMySQLConfig(cfg.MySQL))
	}

	maxSessions := hostCfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 256
	}
	acceptRate := hostCfg.AcceptRate
	if acceptRate <= 0 {
		acceptRate = 50
	}
	burst := hostCfg.AcceptBurst
	if burst <= 0 {
		burst = int(acceptRate)
	}

	return &Runtime{
		host:       hostCfg.Name,
		bind:       hostCfg.BindAddress,
		idle:       hostCfg.IdleTimeout,
		malformed:  hostCfg.MalformedThreshold,
		profile:    profile,
		interp:     deception.NewInterpreter(profile.FS, opts...),
		sink:       sink,
		limiter:    rate.NewLimiter(rate.Limit(acceptRate), burst),
		sessionSem: make(chan struct{}, maxSessions),
		log:        observability.GetLogger().Named("honeypot").With(zap.String("host", hostCfg.Name)),
	}
}

// Interpreter exposes the runtime's deception layer, shared with memory
// construction.
func (r *Runtime) Interpreter() *deception.Interpreter { return r.interp }

// Run binds every configured service and serves until the context is
// cancelled. Bind failures abort startup; once serving, only cancellation
// stops the runtime.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for kind, svcCfg := range r.profile.Services {
		addr := net.JoinHostPort(r.bind, fmt.Sprintf("%d", svcCfg.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			r.closeListeners()
			return fmt.Errorf("bind %s on %s: %w", kind, addr, err)
		}
		r.mu.Lock()
		r.listeners = append(r.listeners, ln)
		if r.addrs == nil {
			r.addrs = map[schemas.ServiceKind]string{}
		}
		r.addrs[kind] = ln.Addr().String()
		r.mu.Unlock()

		r.log.Info("decoy listening",
			zap.String("service", string(kind)), zap.String("addr", ln.Addr().String()))
		r.emit(gctx, schemas.Event{
			Host: r.host, Service: kind, Kind: schemas.EventStartup,
			Payload: map[string]any{"addr": ln.Addr().String()},
		})

		kind, svcCfg, ln := kind, svcCfg, ln
		g.Go(func() error { return r.serve(gctx, kind, svcCfg, ln) })
	}

	g.Go(func() error {
		<-gctx.Done()
		r.closeListeners()
		r.drain()
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runtime) serve(ctx context.Context, kind schemas.ServiceKind, cfg *ServiceConfig, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn("accept failed", zap.String("service", string(kind)), zap.Error(err))
			continue
		}

		if !r.limiter.Allow() {
			_ = conn.Close()
			continue
		}
		select {
		case r.sessionSem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-r.sessionSem }()
			r.handle(ctx, kind, cfg, conn)
		}()
	}
}

// handle runs one connection end to end. A panic in a protocol handler is
// contained here: the session dies, the host keeps serving.
func (r *Runtime) handle(ctx context.Context, kind schemas.ServiceKind, cfg *ServiceConfig, conn net.Conn) {
	sess := session.New(r.host, kind, conn.RemoteAddr().String())
	r.track(sess, conn)

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("session handler panicked",
				zap.String("service", string(kind)), zap.Any("panic", rec))
		}
		sess.ForceClosing()
		_ = conn.Close()
		r.emit(ctx, sess.Event(schemas.Event{Kind: schemas.EventDisconnect}))
		_ = sess.Transition(session.StateClosed)
		r.untrack(sess)
	}()

	r.emit(ctx, sess.Event(schemas.Event{Kind: schemas.EventConnect}))

	var err error
	switch kind {
	case schemas.ServiceSSH:
		err = r.handleSSH(ctx, sess, cfg, conn)
	case schemas.ServiceTelnet:
		err = r.handleTelnet(ctx, sess, cfg, conn)
	case schemas.ServiceFTP:
		err = r.handleFTP(ctx, sess, cfg, conn)
	case schemas.ServiceHTTP, schemas.ServiceHTTPS:
		err = r.handleHTTP(ctx, sess, cfg, conn)
	case schemas.ServiceMySQL:
		err = r.handleMySQL(ctx, sess, cfg, conn)
	}
	if err != nil && !isDisconnect(err) {
		r.emit(ctx, sess.Event(schemas.Event{
			Kind:    schemas.EventTransportError,
			Payload: map[string]any{"error": err.Error()},
		}))
	}
}

// noteResponse emits the response's event and enforces the host's
// malformed-input threshold: a session that keeps sending unparseable
// input is forced into Closing and hung up. Returns whether the caller
// should end the session.
func (r *Runtime) noteResponse(ctx context.Context, sess *session.Session, resp deception.Response) bool {
	r.emit(ctx, sess.Event(resp.Event))
	if resp.Event.Kind == schemas.EventProtocolError && sess.NoteMalformed(r.malformed) {
		r.log.Info("malformed input threshold exceeded",
			zap.String("session", sess.ID), zap.String("remote", sess.Ctx.RemoteAddr))
		sess.ForceClosing()
		return true
	}
	return resp.Close
}

// emit appends to the host log; persistence failures are logged and
// swallowed so a disk hiccup never crashes a live deception.
func (r *Runtime) emit(ctx context.Context, ev schemas.Event) {
	if err := r.sink.Append(ctx, ev); err != nil && ctx.Err() == nil {
		r.log.Error("event emit failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (r *Runtime) track(s *session.Session, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = map[string]liveSession{}
	}
	r.active[s.ID] = liveSession{sess: s, conn: conn}
}

func (r *Runtime) untrack(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, s.ID)
}

// Addr returns the bound address of a serving decoy, empty until Run has
// bound it.
func (r *Runtime) Addr(kind schemas.ServiceKind) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addrs[kind]
}

// ActiveSessions reports how many sessions are currently live.
func (r *Runtime) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runtime) closeListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ln := range r.listeners {
		_ = ln.Close()
	}
	r.listeners = nil
}

// drain forces every live session into Closing and severs its transport so
// blocked reads return immediately.
func (r *Runtime) drain() {
	r.mu.Lock()
	for _, live := range r.active {
		live.sess.ForceClosing()
		_ = live.conn.Close()
	}
	r.mu.Unlock()
}

// deadline applies the idle timeout to the next read.
func (r *Runtime) deadline(conn net.Conn) {
	if r.idle > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(r.idle))
	}
}

// isDisconnect filters the errors a vanishing attacker produces from the
// ones worth a transport_error event.
func isDisconnect(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, errPeerGone)
}

// errPeerGone marks a clean remote hangup.
var errPeerGone = errors.New("peer closed connection")
