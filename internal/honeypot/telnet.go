package honeypot

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"

	"github.com/111bobmoin/myLLMhoneynet/internal/session"
)

// handleTelnet runs the banner, login loop and fake shell over a raw TCP
// connection.
func (r *Runtime) handleTelnet(ctx context.Context, sess *session.Session, cfg *ServiceConfig, conn net.Conn) error {
	reader := bufio.NewReader(conn)

	if cfg.Banner != "" {
		if err := writeLine(conn, cfg.Banner); err != nil {
			return err
		}
	}
	if err := sess.Transition(session.StateAuthenticating); err != nil {
		return err
	}

	auth := session.NewAuthenticator(cfg.CredentialPolicy, cfg.Users, cfg.MaxAttempts, 0)
	authed := false
	for attempt := 1; attempt <= auth.MaxAttempts(); attempt++ {
		username, err := r.promptLine(conn, reader, cfg.LoginPrompt)
		if err != nil {
			return err
		}
		password, err := r.promptLine(conn, reader, cfg.PasswordPrompt)
		if err != nil {
			return err
		}

		decision := auth.Check(ctx, username, password, attempt)
		r.emit(ctx, sess.Event(session.AuthEvent(username, password, decision.Accepted)))

		if decision.Accepted {
			sess.Ctx.Username = username
			sess.Ctx.Home = r.resolveHome(decision.Home, cfg.DefaultHome)
			sess.Ctx.CWD = sess.Ctx.Home
			sess.Ctx.Authenticated = true
			if err := sess.Transition(session.StateAuthenticated); err != nil {
				return err
			}
			motd := decision.MOTD
			if len(motd) == 0 {
				motd = cfg.MOTD
			}
			for _, line := range motd {
				if err := writeLine(conn, line); err != nil {
					return err
				}
			}
			authed = true
			break
		}
		if err := writeLine(conn, cfg.FailureMessage); err != nil {
			return err
		}
		if decision.CloseAfter {
			break
		}
	}

	if !authed {
		return writeLine(conn, "Connection closed by foreign host.")
	}
	if err := sess.Transition(session.StateActive); err != nil {
		return err
	}
	return r.shellLoop(ctx, sess, cfg, conn, reader, func() { r.deadline(conn) })
}

// shellLoop drives the interpreter for SSH and Telnet alike: prompt, read
// one line, apply, answer, until close. refresh re-arms the idle deadline
// before each read; pass a no-op for transports without one.
func (r *Runtime) shellLoop(ctx context.Context, sess *session.Session, cfg *ServiceConfig, w io.Writer, reader *bufio.Reader, refresh func()) error {
	for ctx.Err() == nil {
		prompt := cfg.ShellPrompt
		if sess.Ctx.CWD != sess.Ctx.Home {
			prompt = strings.ReplaceAll(prompt, "~", sess.Ctx.CWD)
		}
		if _, err := io.WriteString(w, prompt); err != nil {
			return err
		}

		refresh()
		line, err := r.readLine(reader)
		if err != nil {
			return err
		}

		resp := r.interp.Apply(ctx, &sess.Ctx, line)
		closing := r.noteResponse(ctx, sess, resp)
		if resp.Output != "" {
			for _, out := range strings.Split(resp.Output, "\n") {
				if err := writeLine(w, out); err != nil {
					return err
				}
			}
		}
		if closing {
			return nil
		}
	}
	return ctx.Err()
}

func (r *Runtime) promptLine(conn net.Conn, reader *bufio.Reader, prompt string) (string, error) {
	if _, err := io.WriteString(conn, prompt); err != nil {
		return "", err
	}
	r.deadline(conn)
	return r.readLine(reader)
}

// readLine returns one trimmed input line; a clean EOF maps to errPeerGone
// so callers can treat the hangup as a non-event.
func (r *Runtime) readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", errPeerGone
		}
		if err != io.EOF {
			return "", err
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\r\n")
	return err
}

func (r *Runtime) resolveHome(desired, fallback string) string {
	for _, candidate := range []string{desired, fallback} {
		if candidate == "" {
			continue
		}
		if id, err := r.interp.FS().Resolve(candidate, "/"); err == nil && r.interp.FS().Stat(id).IsDir() {
			return candidate
		}
	}
	return "/"
}
