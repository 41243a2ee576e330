package deception

import (
	"fmt"
	"strings"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/vfs"
)

// applyFTP runs one control-channel command. Authentication (USER/PASS) and
// the PASV/PORT data-channel plumbing live in the transport layer; by the
// time input reaches the interpreter the session is authenticated and data
// transfers are expressed through the Data/DataOK/DataFail response fields.
func (it *Interpreter) applyFTP(sess *SessionContext, raw string) Response {
	decoded := strings.TrimRight(raw, "\r\n")
	verb, arg := splitCommand(decoded)
	verb = strings.ToUpper(verb)

	switch verb {
	case "SYST":
		out := it.ftp.SystResponse
		if out == "" {
			out = "215 UNIX Type: L8"
		}
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}

	case "PWD", "XPWD":
		out := fmt.Sprintf("257 %q is the current directory", sess.CWD)
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}

	case "TYPE":
		mode := strings.ToUpper(arg)
		if mode == "" {
			mode = "I"
		}
		out := "200 Switching to Binary mode."
		if mode != "I" && mode != "A" {
			out = "504 Command not implemented for that parameter."
		}
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}

	case "FEAT":
		features := it.ftp.Features
		if len(features) == 0 {
			features = []string{"211-Features:", " UTF8", " SIZE", "211 End"}
		}
		out := strings.Join(features, "\r\n")
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}

	case "NOOP":
		return Response{Output: "200 NOOP ok.", Event: commandEvent(decoded, "200 NOOP ok.", sess.CWD)}

	case "CWD":
		return it.ftpCWD(sess, decoded, arg)

	case "LIST", "NLST", "XNLST":
		return it.ftpList(sess, decoded, verb, arg)

	case "RETR":
		return it.ftpRetr(sess, decoded, arg)

	case "STOR":
		return it.ftpStor(sess, decoded, arg)

	case "QUIT":
		return Response{Output: "221 Goodbye.", Close: true, Event: commandEvent(decoded, "221 Goodbye.", sess.CWD)}
	}

	if lines, ok := it.ftp.CommandResponses[verb]; ok {
		out := strings.Join(lines, "\r\n")
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}
	}
	out := "502 Command not implemented."
	return Response{Output: out, Event: protocolErrorEvent(decoded, out, sess.CWD)}
}

func (it *Interpreter) ftpCWD(sess *SessionContext, decoded, arg string) Response {
	target := arg
	if target == "" {
		target = sess.Home
	}
	id, err := it.fs.Resolve(target, sess.CWD)
	if err != nil || !it.fs.Stat(id).IsDir() {
		out := "550 Failed to change directory."
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}
	}
	sess.CWD = vfs.Normalize(target, sess.CWD)
	out := "250 Directory successfully changed."
	return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}
}

func (it *Interpreter) ftpList(sess *SessionContext, decoded, verb, arg string) Response {
	target := arg
	if target == "" {
		target = "."
	}
	id, err := it.fs.Resolve(target, sess.CWD)
	if err != nil {
		out := "550 Failed to list directory."
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}
	}
	var payload string
	if verb == "LIST" {
		payload, err = it.fs.FormatFTPList(id)
	} else {
		payload, err = it.fs.FormatNLST(id)
	}
	if err != nil {
		out := "550 Failed to list directory."
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}
	}
	return Response{
		Output:   "150 Opening data connection.",
		Data:     payload,
		DataOK:   "226 Transfer complete.",
		DataFail: "425 Could not establish connection.",
		Event:    commandEvent(decoded, "226 Transfer complete.", sess.CWD),
	}
}

func (it *Interpreter) ftpRetr(sess *SessionContext, decoded, arg string) Response {
	if arg == "" {
		out := "501 Missing filename."
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}
	}
	data, err := it.fs.ReadPath(arg, sess.CWD)
	if err != nil {
		out := "550 File not found."
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}
	}
	ev := fileAccessEvent(decoded, vfs.Normalize(arg, sess.CWD), "226 Transfer complete.")
	ev.Payload["size"] = len(data)
	return Response{
		Output:   "150 Opening data connection.",
		Data:     string(data),
		DataOK:   "226 Transfer complete.",
		DataFail: "425 Could not establish connection.",
		Event:    ev,
	}
}

// ftpStor accepts an upload announcement. The transport layer reads the
// data channel and routes the received bytes through StoreUpload.
func (it *Interpreter) ftpStor(sess *SessionContext, decoded, arg string) Response {
	if arg == "" {
		out := "501 Missing filename."
		return Response{Output: out, Event: commandEvent(decoded, out, sess.CWD)}
	}
	return Response{
		Output:   "150 Ok to send data.",
		DataOK:   "226 Transfer complete.",
		DataFail: "425 Could not establish connection.",
		Event:    commandEvent(decoded, "150 Ok to send data.", sess.CWD),
	}
}

// StoreUpload lands an uploaded payload in the virtual tree and returns the
// write event for the session log.
func (it *Interpreter) StoreUpload(sess *SessionContext, name string, content []byte) (schemas.Event, error) {
	rec, err := it.fs.EmulateWrite(name, sess.CWD, content)
	if err != nil {
		return schemas.Event{}, err
	}
	return writeEvent("STOR "+name, rec), nil
}
