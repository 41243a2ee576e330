package deception

import "strings"

// applyMySQL answers one statement line of the monitor-style MySQL decoy.
// Configured statement responses match case-insensitively on the whole
// statement; everything else gets the syntax-error default so probing tools
// see a server that parses but rejects.
func (it *Interpreter) applyMySQL(sess *SessionContext, raw string) Response {
	stmt := strings.TrimSpace(raw)
	if stmt == "" {
		return Response{Event: commandEvent("", "", sess.CWD)}
	}
	lower := strings.ToLower(strings.TrimSuffix(stmt, ";"))

	if resp, ok := it.lookupStatement(lower); ok {
		return Response{Output: resp, Event: commandEvent(stmt, resp, sess.CWD)}
	}
	if lower == "quit" || lower == "exit" {
		return Response{Output: it.mysql.Farewell, Close: true, Event: commandEvent(stmt, it.mysql.Farewell, sess.CWD)}
	}
	return Response{Output: it.mysql.DefaultResponse, Event: protocolErrorEvent(stmt, it.mysql.DefaultResponse, sess.CWD)}
}

func (it *Interpreter) lookupStatement(lower string) (string, bool) {
	for key, resp := range it.mysql.StatementResponses {
		if strings.ToLower(strings.TrimSuffix(key, ";")) == lower {
			return resp, true
		}
	}
	return "", false
}
