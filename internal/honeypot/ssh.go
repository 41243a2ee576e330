package honeypot

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/111bobmoin/myLLMhoneynet/internal/session"
)

// hostKeyCache lazily loads one runtime's SSH host key so every connection
// it serves presents the same fingerprint.
type hostKeyCache struct {
	once   sync.Once
	signer ssh.Signer
	err    error
}

// loadOrGenHostKey reuses the PEM key at path, generating and persisting a
// fresh one on first run so the decoy's fingerprint stays stable across
// restarts.
func loadOrGenHostKey(path string) (ssh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		if block, _ := pem.Decode(data); block != nil {
			if key, perr := x509.ParsePKCS1PrivateKey(block.Bytes); perr == nil {
				return ssh.NewSignerFromKey(key)
			}
		}
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create host key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("persist host key: %w", err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	return ssh.NewSignerFromKey(key)
}

func (r *Runtime) sshSigner(cfg *ServiceConfig) (ssh.Signer, error) {
	r.sshCache.once.Do(func() {
		path := cfg.HostKeyPath
		if path == "" {
			path = filepath.Join("certs", "ssh_host_rsa_key")
		}
		r.sshCache.signer, r.sshCache.err = loadOrGenHostKey(path)
	})
	return r.sshCache.signer, r.sshCache.err
}

// handleSSH speaks real SSH via the x/crypto server machinery, then feeds
// the shell channel into the shared interpreter loop.
func (r *Runtime) handleSSH(ctx context.Context, sess *session.Session, cfg *ServiceConfig, conn net.Conn) error {
	signer, err := r.sshSigner(cfg)
	if err != nil {
		return err
	}
	if err := sess.Transition(session.StateAuthenticating); err != nil {
		return err
	}

	auth := session.NewAuthenticator(cfg.CredentialPolicy, cfg.Users, cfg.MaxAttempts, 0)
	attempt := 0
	var granted session.Decision

	serverCfg := &ssh.ServerConfig{
		ServerVersion: cfg.Banner,
		MaxAuthTries:  auth.MaxAttempts(),
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			attempt++
			decision := auth.Check(ctx, meta.User(), string(password), attempt)
			r.emit(ctx, sess.Event(session.AuthEvent(meta.User(), string(password), decision.Accepted)))
			if !decision.Accepted {
				return nil, fmt.Errorf("password rejected for %s", meta.User())
			}
			granted = decision
			return &ssh.Permissions{}, nil
		},
	}
	serverCfg.AddHostKey(signer)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, serverCfg)
	if err != nil {
		return errPeerGone
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	sess.Ctx.Username = sshConn.User()
	sess.Ctx.Home = r.resolveHome(granted.Home, cfg.DefaultHome)
	sess.Ctx.CWD = sess.Ctx.Home
	sess.Ctx.Authenticated = true
	if err := sess.Transition(session.StateAuthenticated); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case newChan, ok := <-chans:
			if !ok {
				return nil
			}
			if newChan.ChannelType() != "session" {
				_ = newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			ch, chReqs, aerr := newChan.Accept()
			if aerr != nil {
				r.log.Warn("ssh channel accept failed", zap.Error(aerr))
				continue
			}
			if err := r.sshSession(ctx, sess, cfg, granted, ch, chReqs); err != nil {
				_ = ch.Close()
				return err
			}
			_ = ch.Close()
			return nil
		}
	}
}

func (r *Runtime) sshSession(ctx context.Context, sess *session.Session, cfg *ServiceConfig, granted session.Decision, ch ssh.Channel, reqs <-chan *ssh.Request) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-reqs:
			if !ok {
				return nil
			}
			switch req.Type {
			case "pty-req", "env":
				_ = req.Reply(true, nil)
			case "shell":
				_ = req.Reply(true, nil)
				if err := sess.Transition(session.StateActive); err != nil {
					return err
				}
				motd := granted.MOTD
				if len(motd) == 0 {
					motd = cfg.MOTD
				}
				for _, line := range motd {
					if err := writeLine(ch, line); err != nil {
						return err
					}
				}
				return r.shellLoop(ctx, sess, cfg, ch, bufio.NewReader(ch), func() {})
			case "exec":
				_ = req.Reply(true, nil)
				if err := sess.Transition(session.StateActive); err != nil {
					return err
				}
				return r.sshExec(ctx, sess, ch, req.Payload)
			default:
				_ = req.Reply(false, nil)
			}
		}
	}
}

// sshExec answers a one-shot "ssh host <command>" invocation.
func (r *Runtime) sshExec(ctx context.Context, sess *session.Session, ch ssh.Channel, payload []byte) error {
	cmd := parseExecPayload(payload)
	resp := r.interp.Apply(ctx, &sess.Ctx, cmd)
	r.emit(ctx, sess.Event(resp.Event))
	if resp.Output != "" {
		if err := writeLine(ch, resp.Output); err != nil {
			return err
		}
	}
	_, _ = ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
	return nil
}

// parseExecPayload extracts the command string from the exec request's
// length-prefixed payload.
func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3]))
	if n < 0 || n > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}
