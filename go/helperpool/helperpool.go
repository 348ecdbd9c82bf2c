package helperpool

import (
	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
)

// HelperPool is a fixed, immutable-after-construction mapping from remote
// to the ReviewClient allowed to service it. A nil entry for a remote
// means that remote is disabled for this run (e.g. an external-only CQ
// build has no internal client configured).
type HelperPool struct {
	clients map[change.Remote]ReviewClient
}

// New builds a HelperPool from the given per-remote clients. Either may be
// nil to disable that remote.
func New(external, internal ReviewClient) *HelperPool {
	p := &HelperPool{clients: map[change.Remote]ReviewClient{}}
	if external != nil {
		p.clients[change.RemoteExternal] = external
	}
	if internal != nil {
		p.clients[change.RemoteInternal] = internal
	}
	return p
}

// ForChange returns the client configured for ch's remote, or
// HelperUnavailableError if none is configured.
func (p *HelperPool) ForChange(ch *change.Change) (ReviewClient, error) {
	return p.ForRemote(ch.Remote)
}

// ForRemote returns the client configured for remote, or
// HelperUnavailableError if none is configured.
func (p *HelperPool) ForRemote(remote change.Remote) (ReviewClient, error) {
	c, ok := p.clients[remote]
	if !ok || c == nil {
		return nil, &ccqerrors.HelperUnavailableError{Remote: remote}
	}
	return c, nil
}

// Allowed reports whether remote has a configured client.
func (p *HelperPool) Allowed(remote change.Remote) bool {
	c, ok := p.clients[remote]
	return ok && c != nil
}

// Each returns every configured client, in no particular order.
func (p *HelperPool) Each() []ReviewClient {
	out := make([]ReviewClient, 0, len(p.clients))
	for _, c := range p.clients {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
