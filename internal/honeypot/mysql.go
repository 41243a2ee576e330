package honeypot

import (
	"bufio"
	"context"
	"io"
	"net"

	"github.com/111bobmoin/myLLMhoneynet/internal/session"
)

// handleMySQL speaks the monitor-style dialect of the original decoy:
// handshake banner, greeting lines, then a prompt/statement loop routed
// through the interpreter. No credential gate — the lure is the open
// monitor itself.
func (r *Runtime) handleMySQL(ctx context.Context, sess *session.Session, cfg *ServiceConfig, conn net.Conn) error {
	reader := bufio.NewReader(conn)

	if err := sess.Transition(session.StateAuthenticating); err != nil {
		return err
	}
	if err := sess.Transition(session.StateAuthenticated); err != nil {
		return err
	}
	if err := sess.Transition(session.StateActive); err != nil {
		return err
	}

	if _, err := io.WriteString(conn, cfg.Handshake+"\n"); err != nil {
		return err
	}
	for _, line := range cfg.GreetingLines {
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			return err
		}
	}

	for ctx.Err() == nil {
		if _, err := io.WriteString(conn, cfg.Prompt); err != nil {
			return err
		}
		r.deadline(conn)
		stmt, err := r.readLine(reader)
		if err != nil {
			return err
		}
		if stmt == "" {
			continue
		}

		resp := r.interp.Apply(ctx, &sess.Ctx, stmt)
		closing := r.noteResponse(ctx, sess, resp)
		if resp.Output != "" {
			if _, err := io.WriteString(conn, resp.Output+"\n"); err != nil {
				return err
			}
		}
		if closing {
			return nil
		}
	}
	return ctx.Err()
}
