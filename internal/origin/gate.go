package origin

// Gate validates a declared browser origin against a configured allowlist.
//
// Denial is silent: the transport proceeds without origin-trust signaling,
// and the browser's own same-origin policy blocks the content. A hard
// connection failure would leak allowlist membership through error text.
type Gate struct {
	allowlist map[string]struct{}
}

// Decision is the gate's verdict for one connection attempt.
type Decision struct {
	Allow bool
	// TrustedOrigin is echoed back to the client when non-empty
	// (Access-Control-Allow-Origin for the HTTP surface).
	TrustedOrigin string
}

// NewGate builds a gate for the given allowlist. An empty allowlist allows
// every origin.
func NewGate(allowlist []string) *Gate {
	g := &Gate{}
	if len(allowlist) > 0 {
		g.allowlist = make(map[string]struct{}, len(allowlist))
		for _, o := range allowlist {
			g.allowlist[o] = struct{}{}
		}
	}
	return g
}

// Check evaluates a declared origin. An absent origin (empty string) is
// allowed unconditionally: server-to-server clients declare none.
func (g *Gate) Check(declaredOrigin string) Decision {
	if declaredOrigin == "" {
		return Decision{Allow: true}
	}
	if g.allowlist == nil {
		return Decision{Allow: true, TrustedOrigin: declaredOrigin}
	}
	if _, ok := g.allowlist[declaredOrigin]; ok {
		return Decision{Allow: true, TrustedOrigin: declaredOrigin}
	}
	return Decision{Allow: true}
}
