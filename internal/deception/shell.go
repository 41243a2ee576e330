package deception

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/111bobmoin/myLLMhoneynet/internal/vfs"
)

// applyShell runs one line of the fake bash shared by the SSH and Telnet
// decoys. Configured fake-command overrides win over the built-in grammar;
// anything else falls through to "command not found".
func (it *Interpreter) applyShell(sess *SessionContext, raw string) Response {
	line := strings.TrimSpace(raw)
	sess.History = append(sess.History, line)

	if line == "" {
		return Response{Event: commandEvent("", "", sess.CWD)}
	}
	lower := strings.ToLower(line)
	if lower == "exit" || lower == "quit" || lower == "logout" {
		return Response{Output: "logout", Close: true, Event: commandEvent(line, "logout", sess.CWD)}
	}

	if resp, ok := it.shell.FakeCommands[line]; ok {
		return Response{Output: resp, Event: commandEvent(line, resp, sess.CWD)}
	}

	cmd, rest := splitCommand(line)
	args := strings.Fields(rest)

	if redirect, target, appendMode := splitRedirect(line); redirect != "" {
		return it.shellWrite(sess, line, redirect, target, appendMode)
	}

	switch cmd {
	case "pwd":
		return Response{Output: sess.CWD, Event: commandEvent(line, sess.CWD, sess.CWD)}
	case "whoami":
		return Response{Output: sess.Username, Event: commandEvent(line, sess.Username, sess.CWD)}
	case "id":
		out := fmt.Sprintf("uid=0(%s) gid=0(%s) groups=0(%s)", sess.Username, sess.Username, sess.Username)
		if sess.Username != "root" {
			out = fmt.Sprintf("uid=1000(%s) gid=1000(%s) groups=1000(%s),27(sudo)", sess.Username, sess.Username, sess.Username)
		}
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "hostname":
		out := it.hostname()
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "uname":
		out := it.uname(args)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "history":
		var b strings.Builder
		for i, h := range sess.History {
			fmt.Fprintf(&b, "%5d  %s\n", i+1, h)
		}
		out := strings.TrimSuffix(b.String(), "\n")
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "ps":
		out := strings.Join(it.psOutput(), "\n")
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "env", "printenv":
		out := strings.Join(it.envOutput(sess), "\n")
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "ifconfig", "ip":
		out := strings.Join(it.ifconfigOutput(), "\n")
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "netstat", "ss":
		out := strings.Join(it.netstatOutput(), "\n")
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "cd":
		return it.shellCD(sess, line, args)
	case "ls":
		return it.shellLS(sess, line, args)
	case "cat":
		return it.shellCat(sess, line, args)
	case "head", "tail":
		return it.shellHeadTail(sess, line, cmd, args)
	case "grep":
		return it.shellGrep(sess, line, args)
	case "echo":
		out := shellUnquote(rest)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	case "touch":
		return it.shellTouch(sess, line, args)
	case "wget", "curl":
		return it.shellDownload(sess, line, cmd, args)
	}

	out := fmtBashError(cmd, "command not found")
	return Response{Output: out, Event: protocolErrorEvent(line, out, sess.CWD)}
}

func (it *Interpreter) hostname() string {
	if it.shell.Hostname != "" {
		return it.shell.Hostname
	}
	return "web-prod-01"
}

func (it *Interpreter) uname(args []string) string {
	full := it.shell.Uname
	if full == "" {
		full = "Linux web-prod-01 5.15.0-91-generic #101-Ubuntu SMP x86_64 GNU/Linux"
	}
	for _, a := range args {
		if a == "-a" || a == "--all" {
			return full
		}
	}
	return strings.SplitN(full, " ", 2)[0]
}

func (it *Interpreter) psOutput() []string {
	if len(it.shell.PsOutput) > 0 {
		return it.shell.PsOutput
	}
	return []string{
		"  PID TTY          TIME CMD",
		"    1 ?        00:00:04 systemd",
		"  812 ?        00:00:00 sshd",
		" 1033 ?        00:01:12 mysqld",
		" 1650 pts/0    00:00:00 bash",
		" 1671 pts/0    00:00:00 ps",
	}
}

func (it *Interpreter) envOutput(sess *SessionContext) []string {
	if len(it.shell.EnvOutput) > 0 {
		return it.shell.EnvOutput
	}
	return []string{
		"SHELL=/bin/bash",
		"USER=" + sess.Username,
		"HOME=" + sess.Home,
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LANG=en_US.UTF-8",
	}
}

func (it *Interpreter) ifconfigOutput() []string {
	if len(it.shell.Ifconfig) > 0 {
		return it.shell.Ifconfig
	}
	return []string{
		"eth0: flags=4163<UP,BROADCAST,RUNNING,MULTICAST>  mtu 1500",
		"        inet 10.20.4.17  netmask 255.255.255.0  broadcast 10.20.4.255",
		"        ether 02:42:0a:14:04:11  txqueuelen 1000  (Ethernet)",
		"lo: flags=73<UP,LOOPBACK,RUNNING>  mtu 65536",
		"        inet 127.0.0.1  netmask 255.0.0.0",
	}
}

func (it *Interpreter) netstatOutput() []string {
	if len(it.shell.Netstat) > 0 {
		return it.shell.Netstat
	}
	return []string{
		"Active Internet connections (only servers)",
		"Proto Recv-Q Send-Q Local Address           Foreign Address         State",
		"tcp        0      0 0.0.0.0:22              0.0.0.0:*               LISTEN",
		"tcp        0      0 0.0.0.0:80              0.0.0.0:*               LISTEN",
		"tcp        0      0 127.0.0.1:3306          0.0.0.0:*               LISTEN",
	}
}

func (it *Interpreter) shellCD(sess *SessionContext, line string, args []string) Response {
	target := sess.Home
	if len(args) > 0 {
		target = args[0]
	}
	id, err := it.fs.Resolve(target, sess.CWD)
	if err != nil {
		out := fmt.Sprintf("bash: cd: %s: No such file or directory", target)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	if !it.fs.Stat(id).IsDir() {
		out := fmt.Sprintf("bash: cd: %s: Not a directory", target)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	sess.CWD = vfs.Normalize(target, sess.CWD)
	return Response{Event: commandEvent(line, "", sess.CWD)}
}

func (it *Interpreter) shellLS(sess *SessionContext, line string, args []string) Response {
	detailed, hidden := false, false
	target := "."
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			detailed = detailed || strings.Contains(a, "l")
			hidden = hidden || strings.Contains(a, "a")
			continue
		}
		target = a
	}
	id, err := it.fs.Resolve(target, sess.CWD)
	if err != nil {
		out := fmt.Sprintf("ls: cannot access '%s': No such file or directory", target)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	out, err := it.fs.FormatLS(id, detailed, hidden)
	if err != nil {
		out = fmt.Sprintf("ls: cannot access '%s': No such file or directory", target)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
}

func (it *Interpreter) shellCat(sess *SessionContext, line string, args []string) Response {
	if len(args) == 0 {
		out := "cat: missing operand"
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	target := args[len(args)-1]
	data, err := it.readTextFile(target, sess.CWD)
	if err != nil {
		out := it.catError("cat", target, err)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	return Response{Output: data, Event: fileAccessEvent(line, vfs.Normalize(target, sess.CWD), data)}
}

func (it *Interpreter) shellHeadTail(sess *SessionContext, line, cmd string, args []string) Response {
	count := 10
	var target string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-n" && i+1 < len(args):
			if n, err := strconv.Atoi(args[i+1]); err == nil {
				count = n
			}
			i++
		case strings.HasPrefix(a, "-n"):
			if n, err := strconv.Atoi(strings.TrimPrefix(a, "-n")); err == nil {
				count = n
			}
		case strings.HasPrefix(a, "-"):
			if n, err := strconv.Atoi(strings.TrimPrefix(a, "-")); err == nil {
				count = n
			}
		default:
			target = a
		}
	}
	if target == "" {
		out := cmd + ": missing operand"
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	data, err := it.readTextFile(target, sess.CWD)
	if err != nil {
		out := it.catError(cmd, target, err)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	lines := strings.Split(data, "\n")
	if count < 0 {
		count = -count
	}
	if count > len(lines) {
		count = len(lines)
	}
	var out string
	if cmd == "head" {
		out = strings.Join(lines[:count], "\n")
	} else {
		out = strings.Join(lines[len(lines)-count:], "\n")
	}
	return Response{Output: out, Event: fileAccessEvent(line, vfs.Normalize(target, sess.CWD), out)}
}

func (it *Interpreter) shellGrep(sess *SessionContext, line string, args []string) Response {
	var pattern, target string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if pattern == "" {
			pattern = shellUnquote(a)
			continue
		}
		target = a
	}
	if pattern == "" || target == "" {
		out := "Usage: grep [OPTION]... PATTERNS [FILE]..."
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	data, err := it.readTextFile(target, sess.CWD)
	if err != nil {
		out := it.catError("grep", target, err)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	var matched []string
	for _, l := range strings.Split(data, "\n") {
		if strings.Contains(l, pattern) {
			matched = append(matched, l)
		}
	}
	out := strings.Join(matched, "\n")
	return Response{Output: out, Event: fileAccessEvent(line, vfs.Normalize(target, sess.CWD), out)}
}

func (it *Interpreter) shellTouch(sess *SessionContext, line string, args []string) Response {
	if len(args) == 0 {
		out := "touch: missing file operand"
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	rec, err := it.fs.EmulateWrite(args[0], sess.CWD, nil)
	if err != nil {
		out := fmt.Sprintf("touch: cannot touch '%s': No such file or directory", args[0])
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	return Response{Event: writeEvent(line, rec)}
}

func (it *Interpreter) shellWrite(sess *SessionContext, line, payload, target string, appendMode bool) Response {
	content := []byte(shellUnquote(payload))
	if appendMode {
		if existing, err := it.fs.ReadPath(target, sess.CWD); err == nil {
			combined := make([]byte, 0, len(existing)+len(content)+1)
			combined = append(combined, existing...)
			if len(existing) > 0 && existing[len(existing)-1] != '\n' {
				combined = append(combined, '\n')
			}
			combined = append(combined, content...)
			content = combined
		}
	}
	rec, err := it.fs.EmulateWrite(target, sess.CWD, content)
	if err != nil {
		out := fmt.Sprintf("bash: %s: No such file or directory", target)
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	return Response{Event: writeEvent(line, rec)}
}

func (it *Interpreter) shellDownload(sess *SessionContext, line, cmd string, args []string) Response {
	var url string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			url = a
			break
		}
	}
	if url == "" {
		out := cmd + ": missing URL"
		return Response{Output: out, Event: commandEvent(line, out, sess.CWD)}
	}
	name := url
	if i := strings.LastIndex(url, "/"); i >= 0 && i < len(url)-1 {
		name = url[i+1:]
	}
	var out string
	if cmd == "wget" {
		out = fmt.Sprintf("--2025-01-01 00:00:00--  %s\nResolving host... failed: Temporary failure in name resolution.", url)
	} else {
		out = fmt.Sprintf("curl: (6) Could not resolve host: %s", hostOf(url))
	}
	// The "downloaded" file never materializes; the attempt itself is the
	// signal and is recorded with the target name.
	ev := commandEvent(line, out, sess.CWD)
	ev.Payload["url"] = url
	ev.Payload["target"] = name
	return Response{Output: out, Event: ev}
}

func hostOf(url string) string {
	s := url
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		s = s[:i]
	}
	return s
}

func (it *Interpreter) readTextFile(target, cwd string) (string, error) {
	data, err := it.fs.ReadPath(target, cwd)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (it *Interpreter) catError(cmd, target string, err error) string {
	if errors.Is(err, vfs.ErrIsDir) {
		return fmt.Sprintf("%s: %s: Is a directory", cmd, target)
	}
	return fmt.Sprintf("%s: %s: No such file or directory", cmd, target)
}

// splitRedirect detects "echo text > path" style redirections. Returns the
// payload command text, the redirect target and whether the append form was
// used; the payload is empty when the line carries no redirection.
func splitRedirect(line string) (payload, target string, appendMode bool) {
	op := ">"
	idx := strings.Index(line, ">>")
	if idx >= 0 {
		op = ">>"
	} else {
		idx = strings.Index(line, ">")
		if idx < 0 {
			return "", "", false
		}
	}
	left := strings.TrimSpace(line[:idx])
	right := strings.TrimSpace(line[idx+len(op):])
	if right == "" || !strings.HasPrefix(left, "echo") {
		return "", "", false
	}
	payload = strings.TrimSpace(strings.TrimPrefix(left, "echo"))
	target = strings.Fields(right)[0]
	return payload, target, op == ">>"
}

// shellUnquote strips one matched level of single or double quotes.
func shellUnquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
