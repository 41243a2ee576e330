package honeypot

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/config"
	"github.com/111bobmoin/myLLMhoneynet/internal/deception"
	"github.com/111bobmoin/myLLMhoneynet/internal/session"
	"github.com/111bobmoin/myLLMhoneynet/internal/vfs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memSink struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (s *memSink) Append(_ context.Context, ev schemas.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) kinds() []schemas.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

const runtimeTree = `{
  "root": {
    "type": "directory",
    "children": {
      "home": {
        "type": "directory",
        "children": {
          "admin": {
            "type": "directory",
            "children": {
              "flag.txt": {"type": "file", "content": "nothing here\n"}
            }
          }
        }
      }
    }
  }
}`

func testHostConfig() config.HostConfig {
	return config.HostConfig{
		Name:               "base",
		BindAddress:        "127.0.0.1",
		MaxSessions:        8,
		AcceptRate:         1000,
		AcceptBurst:        1000,
		IdleTimeout:        3 * time.Second,
		MalformedThreshold: 8,
	}
}

func newRuntimeWith(t *testing.T, sink schemas.EventSink, services map[schemas.ServiceKind]*ServiceConfig) *Runtime {
	t.Helper()
	fsTree, err := vfs.Parse([]byte(runtimeTree))
	require.NoError(t, err)
	for kind, cfg := range services {
		cfg.applyDefaults(kind)
		cfg.Port = 0 // ephemeral
	}
	return NewRuntime(testHostConfig(), &HostProfile{FS: fsTree, Services: services}, sink)
}

// startRuntime runs the runtime until test cleanup and waits for every
// listener to bind.
func startRuntime(t *testing.T, r *Runtime, kinds ...schemas.ServiceKind) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("runtime did not stop")
		}
	})
	deadline := time.Now().Add(3 * time.Second)
	for _, kind := range kinds {
		for r.Addr(kind) == "" {
			if time.Now().After(deadline) {
				t.Fatalf("%s listener never bound", kind)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func exchange(t *testing.T, addr, input string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, input)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, _ := io.ReadAll(conn)
	return string(out)
}

func TestRuntimeTelnet(t *testing.T) {
	sink := &memSink{}
	r := newRuntimeWith(t, sink, map[schemas.ServiceKind]*ServiceConfig{
		schemas.ServiceTelnet: {
			CredentialPolicy: schemas.PolicyAcceptListed,
			Users: map[string]session.UserRecord{
				"admin": {Passwords: []string{"hunter2"}, Home: "/home/admin", MOTD: []string{"Welcome to prod"}},
			},
			Banner: "Ubuntu 22.04 LTS",
		},
	})
	startRuntime(t, r, schemas.ServiceTelnet)

	t.Run("login and shell round trip", func(t *testing.T) {
		out := exchange(t, r.Addr(schemas.ServiceTelnet), "admin\nhunter2\npwd\ncat flag.txt\nexit\n")
		assert.Contains(t, out, "Ubuntu 22.04 LTS")
		assert.Contains(t, out, "Welcome to prod")
		assert.Contains(t, out, "/home/admin")
		assert.Contains(t, out, "nothing here")
		assert.Contains(t, out, "logout")
	})

	t.Run("bad credentials close after max attempts", func(t *testing.T) {
		out := exchange(t, r.Addr(schemas.ServiceTelnet), "root\nx\nroot\ny\nroot\nz\n")
		assert.Contains(t, out, "Login incorrect")
		assert.Contains(t, out, "Connection closed by foreign host.")
	})

	t.Run("events are recorded in order", func(t *testing.T) {
		kinds := sink.kinds()
		assert.Contains(t, kinds, schemas.EventStartup)
		assert.Contains(t, kinds, schemas.EventConnect)
		assert.Contains(t, kinds, schemas.EventAuthAttempt)
		assert.Contains(t, kinds, schemas.EventCommand)
		assert.Contains(t, kinds, schemas.EventFileAccess)
		assert.Contains(t, kinds, schemas.EventDisconnect)
	})
}

func TestRuntimeHTTP(t *testing.T) {
	sink := &memSink{}
	r := newRuntimeWith(t, sink, map[schemas.ServiceKind]*ServiceConfig{
		schemas.ServiceHTTP: {
			HTTP: deceptionHTTPFixture(),
		},
	})
	startRuntime(t, r, schemas.ServiceHTTP)

	t.Run("matched route", func(t *testing.T) {
		out := exchange(t, r.Addr(schemas.ServiceHTTP), "GET / HTTP/1.1\r\nHost: x\r\nUser-Agent: curl/8.0\r\n\r\n")
		assert.Contains(t, out, "200 OK")
		assert.Contains(t, out, "corp intranet")
	})

	t.Run("unmatched route is 404", func(t *testing.T) {
		out := exchange(t, r.Addr(schemas.ServiceHTTP), "GET /.git/config HTTP/1.1\r\nHost: x\r\n\r\n")
		assert.Contains(t, out, "404 Not Found")
	})

	t.Run("request event carries path and user agent", func(t *testing.T) {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		var found bool
		for _, ev := range sink.events {
			if ev.Kind == schemas.EventCommand && ev.Payload["path"] == "/" {
				found = true
				assert.Equal(t, "curl/8.0", ev.Payload["user_agent"])
			}
		}
		assert.True(t, found)
	})
}

func TestRuntimeMySQL(t *testing.T) {
	sink := &memSink{}
	r := newRuntimeWith(t, sink, map[schemas.ServiceKind]*ServiceConfig{
		schemas.ServiceMySQL: {},
	})
	startRuntime(t, r, schemas.ServiceMySQL)

	out := exchange(t, r.Addr(schemas.ServiceMySQL), "SHOW GRANTS;\nquit\n")
	assert.Contains(t, out, "Welcome to the MySQL monitor")
	assert.Contains(t, out, "ERROR 1064")
	assert.Contains(t, out, "Bye")
}

func TestRuntimeFTP(t *testing.T) {
	sink := &memSink{}
	r := newRuntimeWith(t, sink, map[schemas.ServiceKind]*ServiceConfig{
		schemas.ServiceFTP: {
			CredentialPolicy: schemas.PolicyAcceptAll,
		},
	})
	startRuntime(t, r, schemas.ServiceFTP)

	t.Run("control channel round trip", func(t *testing.T) {
		out := exchange(t, r.Addr(schemas.ServiceFTP), "USER anonymous\r\nPASS guest\r\nSYST\r\nPWD\r\nQUIT\r\n")
		assert.Contains(t, out, "220 (vsFTPd 3.0.3)")
		assert.Contains(t, out, "331 ")
		assert.Contains(t, out, "230 Login successful.")
		assert.Contains(t, out, "215 UNIX Type: L8")
		assert.Contains(t, out, `257 "/" is the current directory`)
		assert.Contains(t, out, "221 Goodbye.")
	})

	t.Run("commands before login are refused", func(t *testing.T) {
		out := exchange(t, r.Addr(schemas.ServiceFTP), "SYST\r\nQUIT\r\n")
		assert.Contains(t, out, "530 Please login with USER and PASS.")
	})
}

func TestRuntimeMalformedThreshold(t *testing.T) {
	sink := &memSink{}
	fsTree, err := vfs.Parse([]byte(runtimeTree))
	require.NoError(t, err)
	svc := &ServiceConfig{CredentialPolicy: schemas.PolicyAcceptAll}
	svc.applyDefaults(schemas.ServiceFTP)
	svc.Port = 0
	hostCfg := testHostConfig()
	hostCfg.MalformedThreshold = 3
	r := NewRuntime(hostCfg, &HostProfile{FS: fsTree, Services: map[schemas.ServiceKind]*ServiceConfig{
		schemas.ServiceFTP: svc,
	}}, sink)
	startRuntime(t, r, schemas.ServiceFTP)

	input := "USER anonymous\r\nPASS guest\r\n"
	for i := 0; i < 20; i++ {
		input += "GARBLE nonsense\r\n"
	}
	out := exchange(t, r.Addr(schemas.ServiceFTP), input)
	assert.Contains(t, out, "230 Login successful.")
	assert.Equal(t, 3, strings.Count(out, "502 Command not implemented."),
		"session must hang up once the malformed-input threshold is reached")

	kinds := sink.kinds()
	assert.Contains(t, kinds, schemas.EventProtocolError)
	assert.Contains(t, kinds, schemas.EventDisconnect)
}

func TestRuntimeSessionCap(t *testing.T) {
	sink := &memSink{}
	fsTree, err := vfs.Parse([]byte(runtimeTree))
	require.NoError(t, err)
	svc := &ServiceConfig{}
	svc.applyDefaults(schemas.ServiceMySQL)
	svc.Port = 0
	hostCfg := testHostConfig()
	hostCfg.MaxSessions = 1
	r := NewRuntime(hostCfg, &HostProfile{FS: fsTree, Services: map[schemas.ServiceKind]*ServiceConfig{
		schemas.ServiceMySQL: svc,
	}}, sink)
	startRuntime(t, r, schemas.ServiceMySQL)

	hold, err := net.Dial("tcp", r.Addr(schemas.ServiceMySQL))
	require.NoError(t, err)
	defer hold.Close()
	// wait until the held session occupies the only slot
	deadline := time.Now().Add(2 * time.Second)
	for r.ActiveSessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, r.ActiveSessions())

	second, err := net.Dial("tcp", r.Addr(schemas.ServiceMySQL))
	require.NoError(t, err)
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	out, _ := io.ReadAll(second)
	assert.Empty(t, string(out), "over-cap connection must be dropped without service output")
}

func TestRuntimeTransportMaterialIsolation(t *testing.T) {
	t.Run("tls certificates are per runtime", func(t *testing.T) {
		dir := t.TempDir()
		mk := func(name string) (*Runtime, *ServiceConfig) {
			svc := &ServiceConfig{
				Certificate: filepath.Join(dir, name+"_cert.pem"),
				PrivateKey:  filepath.Join(dir, name+"_key.pem"),
			}
			r := newRuntimeWith(t, &memSink{}, map[schemas.ServiceKind]*ServiceConfig{
				schemas.ServiceHTTPS: svc,
			})
			return r, svc
		}
		r1, svc1 := mk("alpha")
		r2, svc2 := mk("beta")
		c1, err := r1.tlsConfig(svc1)
		require.NoError(t, err)
		c2, err := r2.tlsConfig(svc2)
		require.NoError(t, err)
		assert.NotEqual(t, c1.Certificates[0].Certificate[0], c2.Certificates[0].Certificate[0])
	})

	t.Run("ssh host keys are per runtime", func(t *testing.T) {
		dir := t.TempDir()
		mk := func(name string) (*Runtime, *ServiceConfig) {
			svc := &ServiceConfig{HostKeyPath: filepath.Join(dir, name+"_host_key")}
			r := newRuntimeWith(t, &memSink{}, map[schemas.ServiceKind]*ServiceConfig{
				schemas.ServiceSSH: svc,
			})
			return r, svc
		}
		r1, svc1 := mk("alpha")
		r2, svc2 := mk("beta")
		s1, err := r1.sshSigner(svc1)
		require.NoError(t, err)
		s2, err := r2.sshSigner(svc2)
		require.NoError(t, err)
		assert.NotEqual(t, s1.PublicKey().Marshal(), s2.PublicKey().Marshal())
	})
}

func TestLoadHostProfile(t *testing.T) {
	t.Run("defaults when config files absent", func(t *testing.T) {
		dir := t.TempDir()
		profile, err := LoadHostProfile(dir, []schemas.ServiceKind{schemas.ServiceMySQL})
		require.NoError(t, err)
		cfg := profile.Services[schemas.ServiceMySQL]
		assert.Equal(t, 3306, cfg.Port)
		assert.Equal(t, "mysql> ", cfg.Prompt)
	})

	t.Run("service config file overrides", func(t *testing.T) {
		dir := t.TempDir()
		raw := `{"port": 2121, "banner": "220 ProFTPD", "credential_policy": "accept-all"}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ftp_config.json"), []byte(raw), 0o644))
		profile, err := LoadHostProfile(dir, []schemas.ServiceKind{schemas.ServiceFTP})
		require.NoError(t, err)
		cfg := profile.Services[schemas.ServiceFTP]
		assert.Equal(t, 2121, cfg.Port)
		assert.Equal(t, "220 ProFTPD", cfg.Banner)
		assert.Equal(t, schemas.PolicyAcceptAll, cfg.CredentialPolicy)
	})

	t.Run("filesystem definition is loaded", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "filesystem.json"), []byte(runtimeTree), 0o644))
		profile, err := LoadHostProfile(dir, []schemas.ServiceKind{schemas.ServiceHTTP})
		require.NoError(t, err)
		_, err = profile.FS.Resolve("/home/admin/flag.txt", "/")
		assert.NoError(t, err)
	})

	t.Run("interactive services load without config files", func(t *testing.T) {
		dir := t.TempDir()
		profile, err := LoadHostProfile(dir, []schemas.ServiceKind{
			schemas.ServiceSSH, schemas.ServiceTelnet, schemas.ServiceFTP,
		})
		require.NoError(t, err)
		for _, kind := range []schemas.ServiceKind{schemas.ServiceSSH, schemas.ServiceTelnet, schemas.ServiceFTP} {
			assert.Equal(t, schemas.PolicyAcceptAll, profile.Services[kind].CredentialPolicy, string(kind))
		}
	})

	t.Run("configured users default to accept-listed", func(t *testing.T) {
		dir := t.TempDir()
		raw := `{"users": {"admin": {"passwords": ["hunter2"]}}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ssh_config.json"), []byte(raw), 0o644))
		profile, err := LoadHostProfile(dir, []schemas.ServiceKind{schemas.ServiceSSH})
		require.NoError(t, err)
		assert.Equal(t, schemas.PolicyAcceptListed, profile.Services[schemas.ServiceSSH].CredentialPolicy)
	})

	t.Run("accept-listed without users is rejected", func(t *testing.T) {
		dir := t.TempDir()
		raw := `{"credential_policy": "accept-listed"}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "telnet_config.json"), []byte(raw), 0o644))
		_, err := LoadHostProfile(dir, []schemas.ServiceKind{schemas.ServiceTelnet})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires configured users")
	})

	t.Run("unknown service is rejected", func(t *testing.T) {
		_, err := LoadHostProfile(t.TempDir(), []schemas.ServiceKind{"gopher"})
		require.Error(t, err)
	})

	t.Run("malformed service config is fatal", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "http_config.json"), []byte("{nope"), 0o644))
		_, err := LoadHostProfile(dir, []schemas.ServiceKind{schemas.ServiceHTTP})
		require.Error(t, err)
	})
}

func TestParsePortArg(t *testing.T) {
	cases := []struct {
		arg  string
		want string
		ok   bool
	}{
		{"127,0,0,1,4,210", "127.0.0.1:1234", true},
		{"10,0,0,5,0,80", "10.0.0.5:80", true},
		{"127,0,0,1,4", "", false},
		{"300,0,0,1,4,210", "", false},
		{"a,b,c,d,e,f", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.arg, func(t *testing.T) {
			got, ok := parsePortArg(tc.arg)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func deceptionHTTPFixture() deception.HTTPConfig {
	return deception.HTTPConfig{
		ServerHeader: "Apache/2.4.52 (Ubuntu)",
		Routes: []deception.HTTPRoute{
			{Method: "GET", Path: "/", Status: 200, Body: "<html>corp intranet</html>"},
		},
	}
}
