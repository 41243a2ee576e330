package deception

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
)

var httpStatusText = map[int]string{
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
}

// applyHTTP serves one request line ("METHOD PATH VERSION"). The transport
// layer reads headers and body; the route table alone decides the response.
// Malformed request lines get a 400, unmatched routes the configured
// default (404 unless overridden).
func (it *Interpreter) applyHTTP(sess *SessionContext, raw string) Response {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) != 3 {
		body := it.renderHTTP("HTTP/1.0", 400, "", nil)
		ev := schemas.Event{Kind: schemas.EventProtocolError, Payload: map[string]any{
			"input":  truncate(raw, respPreview),
			"status": 400,
		}}
		return Response{Output: body, Close: true, Event: ev}
	}
	method, path, version := fields[0], fields[1], fields[2]

	route := it.matchRoute(method, path)
	status := it.http.DefaultStatus
	var body string
	headers := map[string]string{}

	switch {
	case route != nil && route.JWTLure:
		status, body = it.jwtLureResponse(sess, route)
		headers["Content-Type"] = "application/json"
	case route != nil:
		status = route.Status
		if status == 0 {
			status = 200
		}
		body = route.Body
		for k, v := range route.Headers {
			headers[k] = v
		}
	case it.http.NotFound != nil:
		status = it.http.DefaultStatus
		body = it.http.NotFound.Body
		for k, v := range it.http.NotFound.Headers {
			headers[k] = v
		}
	default:
		body = fmt.Sprintf("%d %s\n", status, statusText(status))
	}

	out := it.renderHTTP(version, status, body, headers)
	ev := schemas.Event{Kind: schemas.EventCommand, Payload: map[string]any{
		"method": method,
		"path":   path,
		"status": status,
	}}
	return Response{Output: out, Close: true, Event: ev}
}

func (it *Interpreter) matchRoute(method, path string) *HTTPRoute {
	for i := range it.http.Routes {
		route := &it.http.Routes[i]
		m := route.Method
		if m == "" {
			m = "GET"
		}
		if strings.EqualFold(m, method) && route.Path == path {
			return route
		}
	}
	return nil
}

// jwtLureResponse issues a token signed with a guessable secret and an
// alg/claims shape worth an attacker's time. The secret is bait, not a
// credential; nothing in the platform ever validates these tokens.
func (it *Interpreter) jwtLureResponse(sess *SessionContext, route *HTTPRoute) (int, string) {
	secret := it.http.JWTSecret
	if secret == "" {
		secret = "changeme123"
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "admin",
		"role":  "administrator",
		"iat":   now.Unix(),
		"exp":   now.Add(24 * time.Hour).Unix(),
		"scope": "internal:all",
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		it.log.Warn("decoy token signing failed", zap.Error(err))
		return 500, `{"error":"internal"}`
	}
	status := route.Status
	if status == 0 {
		status = 200
	}
	return status, fmt.Sprintf(`{"token":%q,"expires_in":86400}`, signed)
}

func (it *Interpreter) renderHTTP(version string, status int, body string, extra map[string]string) string {
	headers := map[string]string{}
	for k, v := range it.http.DefaultHeaders {
		headers[k] = v
	}
	for k, v := range extra {
		headers[k] = v
	}
	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "text/html; charset=utf-8"
	}
	headers["Connection"] = "close"
	headers["Server"] = it.http.ServerHeader
	headers["Date"] = httpDate(time.Now().UTC())
	headers["Content-Length"] = fmt.Sprintf("%d", len(body))

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", version, status, statusText(status))
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

func statusText(status int) string {
	if text, ok := httpStatusText[status]; ok {
		return text
	}
	return "Unknown"
}

func httpDate(now time.Time) string {
	return now.Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}
