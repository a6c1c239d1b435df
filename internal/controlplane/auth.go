package controlplane

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerProtocolPrefix carries the token inside a WebSocket subprotocol for
// browser clients that cannot set an Authorization header.
const bearerProtocolPrefix = "ralph.bearer."

// extractToken pulls the caller's token from the Authorization header, a
// ralph.bearer.<token> subprotocol offer, or the access_token query
// parameter, in that order.
func extractToken(r *http.Request) (token, protocol string) {
	if t := bearerFromHeader(r); t != "" {
		return t, ""
	}
	for _, proto := range websocketProtocols(r) {
		if strings.HasPrefix(proto, bearerProtocolPrefix) {
			return strings.TrimPrefix(proto, bearerProtocolPrefix), proto
		}
	}
	return r.URL.Query().Get("access_token"), ""
}

func bearerFromHeader(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

func websocketProtocols(r *http.Request) []string {
	var protos []string
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protos = append(protos, p)
			}
		}
	}
	return protos
}

// secureCompare performs constant-time string comparison.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authenticate validates the request token. The returned protocol is non-empty
// when the token arrived via subprotocol and must be echoed on upgrade.
func (s *Server) authenticate(r *http.Request) (protocol string, ok bool) {
	token, protocol := extractToken(r)
	if token == "" || !secureCompare(token, s.cfg.Token) {
		return "", false
	}
	return protocol, true
}
