package honeypot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/111bobmoin/myLLMhoneynet/internal/session"
)

// ftpData tracks the negotiated data channel of one control session:
// either an active-mode target address or a passive-mode listener.
type ftpData struct {
	activeTarget string
	passive      net.Listener
}

func (d *ftpData) reset() {
	d.activeTarget = ""
	if d.passive != nil {
		_ = d.passive.Close()
		d.passive = nil
	}
}

// handleFTP owns the control channel: greeting, USER/PASS, PASV/PORT
// plumbing and STOR payload capture. Everything else goes through the
// interpreter.
func (r *Runtime) handleFTP(ctx context.Context, sess *session.Session, cfg *ServiceConfig, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	data := &ftpData{}
	defer data.reset()

	if err := writeLine(conn, cfg.Banner); err != nil {
		return err
	}
	if err := sess.Transition(session.StateAuthenticating); err != nil {
		return err
	}

	auth := session.NewAuthenticator(cfg.CredentialPolicy, cfg.Users, cfg.MaxAttempts, 0)
	var pendingUser string
	attempt := 0

	for ctx.Err() == nil {
		r.deadline(conn)
		line, err := r.readLine(reader)
		if err != nil {
			return err
		}
		verb, arg := splitVerb(line)

		switch verb {
		case "USER":
			pendingUser = arg
			prompt := "Please specify the password."
			if record, ok := cfg.Users[arg]; ok && len(record.MOTD) > 0 {
				prompt = record.MOTD[0]
			}
			if err := writeLine(conn, "331 "+prompt); err != nil {
				return err
			}
			continue

		case "PASS":
			attempt++
			decision := auth.Check(ctx, pendingUser, arg, attempt)
			r.emit(ctx, sess.Event(session.AuthEvent(pendingUser, arg, decision.Accepted)))
			if decision.Accepted {
				sess.Ctx.Username = pendingUser
				sess.Ctx.Home = r.resolveHome(decision.Home, cfg.DefaultHome)
				sess.Ctx.CWD = sess.Ctx.Home
				sess.Ctx.Authenticated = true
				if sess.State() == session.StateAuthenticating {
					if err := sess.Transition(session.StateAuthenticated); err != nil {
						return err
					}
					if err := sess.Transition(session.StateActive); err != nil {
						return err
					}
				}
				data.reset()
				if err := writeLine(conn, "230 Login successful."); err != nil {
					return err
				}
			} else {
				if err := writeLine(conn, "530 Login incorrect."); err != nil {
					return err
				}
				if decision.CloseAfter {
					return nil
				}
			}
			continue

		case "QUIT":
			resp := r.interp.Apply(ctx, &sess.Ctx, line)
			r.emit(ctx, sess.Event(resp.Event))
			return writeLine(conn, resp.Output)

		case "NOOP":
			if err := writeLine(conn, "200 NOOP ok."); err != nil {
				return err
			}
			continue
		}

		if !sess.Ctx.Authenticated {
			if err := writeLine(conn, "530 Please login with USER and PASS."); err != nil {
				return err
			}
			continue
		}

		switch verb {
		case "PORT":
			target, ok := parsePortArg(arg)
			if !ok {
				if err := writeLine(conn, "501 Syntax error in parameters or arguments."); err != nil {
					return err
				}
				continue
			}
			data.reset()
			data.activeTarget = target
			if err := writeLine(conn, "200 PORT command successful."); err != nil {
				return err
			}
			continue

		case "PASV":
			data.reset()
			ln, err := net.Listen("tcp", net.JoinHostPort(r.bind, "0"))
			if err != nil {
				if werr := writeLine(conn, "425 Can't open data connection."); werr != nil {
					return werr
				}
				continue
			}
			data.passive = ln
			if err := writeLine(conn, pasvReply(conn, ln)); err != nil {
				return err
			}
			continue

		case "STOR":
			if err := r.ftpStore(ctx, sess, conn, data, line, arg); err != nil {
				return err
			}
			continue
		}

		resp := r.interp.Apply(ctx, &sess.Ctx, line)
		closing := r.noteResponse(ctx, sess, resp)
		if resp.Data == "" && resp.DataOK == "" {
			if err := writeLine(conn, resp.Output); err != nil {
				return err
			}
			if closing {
				return nil
			}
			continue
		}

		// Transfer response: 150, payload over the data channel, then the
		// completion reply.
		dc, derr := data.open(ctx)
		if derr != nil {
			if err := writeLine(conn, "425 Use PORT or PASV first."); err != nil {
				return err
			}
			continue
		}
		if err := writeLine(conn, resp.Output); err != nil {
			dc.Close()
			return err
		}
		_, serr := io.WriteString(dc, resp.Data)
		dc.Close()
		data.reset()
		reply := resp.DataOK
		if serr != nil {
			reply = resp.DataFail
		}
		if err := writeLine(conn, reply); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// ftpStore receives an upload over the data channel and lands it in the
// virtual tree.
func (r *Runtime) ftpStore(ctx context.Context, sess *session.Session, conn net.Conn, data *ftpData, line, name string) error {
	resp := r.interp.Apply(ctx, &sess.Ctx, line)
	if resp.DataOK == "" {
		// interpreter rejected (missing filename)
		r.emit(ctx, sess.Event(resp.Event))
		return writeLine(conn, resp.Output)
	}
	dc, err := data.open(ctx)
	if err != nil {
		r.emit(ctx, sess.Event(resp.Event))
		return writeLine(conn, "425 Use PORT or PASV first.")
	}
	if werr := writeLine(conn, resp.Output); werr != nil {
		dc.Close()
		return werr
	}
	payload, rerr := io.ReadAll(io.LimitReader(dc, 1<<20))
	dc.Close()
	data.reset()
	if rerr != nil {
		r.emit(ctx, sess.Event(resp.Event))
		return writeLine(conn, resp.DataFail)
	}
	ev, serr := r.interp.StoreUpload(&sess.Ctx, name, payload)
	if serr != nil {
		r.emit(ctx, sess.Event(resp.Event))
		return writeLine(conn, "550 File unavailable.")
	}
	r.emit(ctx, sess.Event(ev))
	return writeLine(conn, resp.DataOK)
}

// open produces the data connection for one transfer: dial the active
// target or accept on the passive listener.
func (d *ftpData) open(ctx context.Context) (net.Conn, error) {
	if d.activeTarget != "" {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", d.activeTarget)
	}
	if d.passive != nil {
		type result struct {
			conn net.Conn
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			c, err := d.passive.Accept()
			ch <- result{c, err}
		}()
		select {
		case res := <-ch:
			return res.conn, res.err
		case <-time.After(10 * time.Second):
			return nil, fmt.Errorf("passive data connection timed out")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no data channel negotiated")
}

func splitVerb(line string) (string, string) {
	verb, arg := line, ""
	if i := strings.Index(line, " "); i >= 0 {
		verb, arg = line[:i], strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(verb), arg
}

// parsePortArg decodes the h1,h2,h3,h4,p1,p2 PORT argument.
func parsePortArg(arg string) (string, bool) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return "", false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return "", false
		}
	}
	hi, _ := strconv.Atoi(parts[4])
	lo, _ := strconv.Atoi(parts[5])
	port := hi<<8 + lo
	if port <= 0 || port > 65535 {
		return "", false
	}
	host := strings.Join(parts[:4], ".")
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

// pasvReply renders the 227 response advertising the passive listener.
func pasvReply(ctrl net.Conn, ln net.Listener) string {
	addr := ln.Addr().(*net.TCPAddr)
	host := addr.IP
	if host.IsUnspecified() {
		if local, ok := ctrl.LocalAddr().(*net.TCPAddr); ok {
			host = local.IP
		}
	}
	ip4 := host.To4()
	if ip4 == nil {
		ip4 = net.IPv4(127, 0, 0, 1).To4()
	}
	p1, p2 := addr.Port/256, addr.Port%256
	return fmt.Sprintf("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).", ip4[0], ip4[1], ip4[2], ip4[3], p1, p2)
}
