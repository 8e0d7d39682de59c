package broker

import "github.com/fieldforge/vsoa/pkg/match"

// RPCHandler answers an RPC call. It receives a borrowed view of the url
// and payload which must not be retained past the call; a handler
// typically calls Server.Reply synchronously but may stash client id and
// seqno to reply asynchronously later.
type RPCHandler func(s *Session, seqno uint16, url string, payload []byte)

type listener struct {
	url       string
	isPrefix  bool
	isDefault bool
	handler   RPCHandler
}

// listenerTable holds the server's registered RPC listeners: an
// exact-match bucket map keyed by the cheap URL hash, an
// insertion-ordered prefix list, and a single optional default slot —
// mirroring the three-container organization described for the server's
// listener registry.
type listenerTable struct {
	exact   map[uint32][]*listener
	prefix  []*listener
	deflt   *listener
}

func newListenerTable() *listenerTable {
	return &listenerTable{exact: make(map[uint32][]*listener)}
}

// add registers url idempotently: a second add for the same url replaces
// the first.
func (t *listenerTable) add(url string, handler RPCHandler) {
	t.remove(url)

	l := &listener{url: url, handler: handler}
	switch {
	case url == "/":
		l.isDefault = true
		t.deflt = l
	case match.IsPrefix(url):
		l.isPrefix = true
		t.prefix = append(t.prefix, l)
	default:
		h := match.ExactHash(url)
		t.exact[h] = append(t.exact[h], l)
	}
}

func (t *listenerTable) remove(url string) {
	if url == "/" {
		if t.deflt != nil && t.deflt.url == url {
			t.deflt = nil
		}
		return
	}
	if match.IsPrefix(url) {
		for i, l := range t.prefix {
			if l.url == url {
				t.prefix = append(t.prefix[:i], t.prefix[i+1:]...)
				return
			}
		}
		return
	}
	h := match.ExactHash(url)
	bucket := t.exact[h]
	for i, l := range bucket {
		if l.url == url {
			t.exact[h] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// find returns the listener that should handle an RPC call to url:
// exact matches win, then prefix matches tried most-recently-inserted
// first (LIFO), then the default listener.
func (t *listenerTable) find(url string) *listener {
	h := match.ExactHash(url)
	for _, l := range t.exact[h] {
		if l.url == url {
			return l
		}
	}
	for i := len(t.prefix) - 1; i >= 0; i-- {
		if match.Matches(t.prefix[i].url, url) {
			return t.prefix[i]
		}
	}
	return t.deflt
}
