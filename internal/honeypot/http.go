package honeypot

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	certs "github.com/111bobmoin/myLLMhoneynet/internal/security"
	"github.com/111bobmoin/myLLMhoneynet/internal/session"
)

// tlsConfigCache lazily mints one runtime's TLS material; separate runtimes
// load or mint their own certificates.
type tlsConfigCache struct {
	once sync.Once
	cfg  *tls.Config
	err  error
}

// handleHTTP reads one request, answers via the route table and closes,
// matching the connection-per-request behavior of the decoy's advertised
// server. HTTPS wraps the connection in TLS first.
func (r *Runtime) handleHTTP(ctx context.Context, sess *session.Session, cfg *ServiceConfig, conn net.Conn) error {
	if sess.Service == schemas.ServiceHTTPS {
		tlsConf, err := r.tlsConfig(cfg)
		if err != nil {
			return err
		}
		tlsConn := tls.Server(conn, tlsConf)
		r.deadline(conn)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return errPeerGone
		}
		conn = tlsConn
	}

	// Unauthenticated protocol: the request itself is the whole exchange.
	if err := sess.Transition(session.StateAuthenticating); err != nil {
		return err
	}
	if err := sess.Transition(session.StateAuthenticated); err != nil {
		return err
	}
	if err := sess.Transition(session.StateActive); err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	r.deadline(conn)
	requestLine, err := r.readLine(reader)
	if err != nil {
		return err
	}

	headers, err := readHTTPHeaders(reader)
	if err != nil {
		return err
	}
	body, err := readHTTPBody(reader, headers)
	if err != nil {
		return err
	}

	resp := r.interp.Apply(ctx, &sess.Ctx, requestLine)
	if len(headers) > 0 {
		if ua, ok := headers["User-Agent"]; ok {
			resp.Event.Payload["user_agent"] = ua
		}
	}
	if body != "" {
		resp.Event.Payload["body_preview"] = body[:min(len(body), 200)]
	}
	r.emit(ctx, sess.Event(resp.Event))

	_, werr := io.WriteString(conn, resp.Output)
	return werr
}

func readHTTPHeaders(reader *bufio.Reader) (map[string]string, error) {
	headers := map[string]string{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return headers, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return headers, nil
		}
		if i := strings.Index(line, ":"); i > 0 {
			headers[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
}

func readHTTPBody(reader *bufio.Reader, headers map[string]string) (string, error) {
	length := headers["Content-Length"]
	if length == "" {
		length = headers["content-length"]
	}
	if length == "" {
		return "", nil
	}
	size, err := strconv.Atoi(length)
	if err != nil || size <= 0 {
		return "", nil
	}
	if size > 1<<20 {
		size = 1 << 20
	}
	buf := make([]byte, size)
	n, rerr := io.ReadFull(reader, buf)
	if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
		return "", rerr
	}
	return string(buf[:n]), nil
}

func (r *Runtime) tlsConfig(cfg *ServiceConfig) (*tls.Config, error) {
	r.tlsCache.once.Do(func() {
		certPath := cfg.Certificate
		keyPath := cfg.PrivateKey
		if certPath == "" || keyPath == "" {
			certPath = filepath.Join("certs", "https_cert.pem")
			keyPath = filepath.Join("certs", "https_key.pem")
		}
		cert, err := certs.LoadOrMint(certPath, keyPath, r.host)
		if err != nil {
			r.tlsCache.err = err
			return
		}
		r.tlsCache.cfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	})
	return r.tlsCache.cfg, r.tlsCache.err
}
