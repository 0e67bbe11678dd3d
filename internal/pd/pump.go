package pd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// outLink is the fixed-capacity outbound ring per (srcPD,dstPD) link: send
// fails with RETRY when full. Shaped like internal/deque.FIFODeque but
// holding Messages rather than guids, since FIFODeque is guid-only. The
// inbound message-EDT queue is a plain slice of inboundItem (see below).
type outLink struct {
	mu  sync.Mutex
	buf []Message
	cap int
}

func newOutLink(capacity int) *outLink { return &outLink{cap: capacity} }

func (l *outLink) push(m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) >= l.cap {
		return cmn.ErrRetry
	}
	l.buf = append(l.buf, m)
	return nil
}

func (l *outLink) popAll() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.buf
	l.buf = nil
	return out
}

func (l *outLink) pushFront(m Message) {
	l.mu.Lock()
	l.buf = append([]Message{m}, l.buf...)
	l.mu.Unlock()
}

// Handler answers a request body with a response body (or an error) for
// one MsgKind, registered per operation (clone, DB acquire, write-back,
// ready-EDT forward, event satisfy).
type Handler func(src cmn.Loc, body []byte) ([]byte, error)

type inboundItem struct {
	src cmn.Loc
	msg Message
}

// Pump is the policy-domain message pump for one PD: it marshals / routes /
// dispatches every PD message, enforces at-most-one in-flight response per
// msgId, backs cross-PD metadata-clone deduplication with
// golang.org/x/sync/singleflight (N concurrent local waiters for the same
// remote GUID produce exactly one wire round trip), and queues
// dispatchable requests as "message EDTs" a worker drains ahead of user
// EDTs.
type Pump struct {
	loc      cmn.Loc
	platform CommPlatform
	msgID    atomic.Uint64

	linksMu sync.Mutex
	links   map[cmn.Loc]*outLink
	linkCap int

	pending sync.Map // msgId -> chan Message; at most one in-flight response per id

	handlers sync.Map // MsgKind -> Handler

	inMu      sync.Mutex
	inboundQ  []inboundItem

	sf singleflight.Group
}

// NewPump builds a pump for PD loc over platform, with linkCapacity-sized
// outbound rings per peer.
func NewPump(loc cmn.Loc, platform CommPlatform, linkCapacity int) *Pump {
	p := &Pump{loc: loc, platform: platform, links: make(map[cmn.Loc]*outLink), linkCap: linkCapacity}
	platform.SetRecvHandler(p.onRecv)
	return p
}

// SetHandler registers the handler invoked for inbound messages of kind.
func (p *Pump) SetHandler(kind MsgKind, h Handler) { p.handlers.Store(kind, h) }

func (p *Pump) link(dst cmn.Loc) *outLink {
	p.linksMu.Lock()
	defer p.linksMu.Unlock()
	l, ok := p.links[dst]
	if !ok {
		l = newOutLink(p.linkCap)
		p.links[dst] = l
	}
	return l
}

// flush drains dst's outbound ring onto the wire via the platform. There is
// no background per-link drain goroutine; flush runs synchronously on the
// caller after every enqueue. On a failed send, that message and every one
// after it are pushed back to the front of the ring in order, and go out
// on the next flush to dst; nothing re-sends them on its own.
func (p *Pump) flush(dst cmn.Loc) error {
	l := p.link(dst)
	msgs := l.popAll()
	for i, m := range msgs {
		wire := Encode(m)
		if err := p.platform.SendRaw(dst, wire); err != nil {
			for j := len(msgs) - 1; j >= i; j-- {
				l.pushFront(msgs[j])
			}
			return err
		}
	}
	return nil
}

// SendOneWay enqueues a fire-and-forget message on dst's outbound link.
// Returns cmn.ErrRetry if the ring is full.
func (p *Pump) SendOneWay(dst cmn.Loc, kind MsgKind, body []byte) error {
	msg := Message{
		Header: Header{Type: MsgTypeOneWay, SrcLoc: uint64(p.loc), DstLoc: uint64(dst), MsgID: p.msgID.Add(1)},
		Kind:   kind,
		Body:   body,
	}
	if err := p.link(dst).push(msg); err != nil {
		return err
	}
	return p.flush(dst)
}

// Request sends body to dst as a request-response message and blocks for
// its response (or ctx's cancellation), enforcing at-most-one in-flight
// response per msgId via p.pending.
func (p *Pump) Request(ctx context.Context, dst cmn.Loc, kind MsgKind, body []byte) (Message, error) {
	id := p.msgID.Add(1)
	ch := make(chan Message, 1)
	p.pending.Store(id, ch)
	defer p.pending.Delete(id)

	msg := Message{
		Header: Header{Type: MsgTypeRequestResponse, SrcLoc: uint64(p.loc), DstLoc: uint64(dst), MsgID: id},
		Kind:   kind,
		Body:   body,
	}
	if err := p.link(dst).push(msg); err != nil {
		return Message{}, err
	}
	if err := p.flush(dst); err != nil {
		return Message{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Message{}, cmn.WrapRemote(cmn.ErrTimeout, "pd: request kind=%s to loc %d timed out", kind, dst)
	}
}

// onRecv is the platform's RecvFunc. Responses are routed directly to
// their waiting Request call by msgId (cheap, no user code runs); anything
// else is queued as a "message EDT" for a worker to drain via DrainOne,
// ahead of user EDTs.
func (p *Pump) onRecv(src cmn.Loc, msg Message) {
	if msg.Header.Type == MsgTypeResponse {
		if chv, ok := p.pending.Load(msg.Header.MsgID); ok {
			ch := chv.(chan Message)
			select {
			case ch <- msg:
			default: // at-most-one in-flight response: a duplicate/late one is dropped
			}
		}
		return
	}
	p.inMu.Lock()
	p.inboundQ = append(p.inboundQ, inboundItem{src: src, msg: msg})
	p.inMu.Unlock()
}

// DrainOne dispatches the oldest queued inbound message, if any, returning
// whether it found one to process. internal/worker.Hooks.DrainMessage is
// wired to this so every worker's loop processes inbound PD messages
// before popping a user EDT off its workpile.
func (p *Pump) DrainOne() bool {
	p.inMu.Lock()
	if len(p.inboundQ) == 0 {
		p.inMu.Unlock()
		return false
	}
	item := p.inboundQ[0]
	p.inboundQ = p.inboundQ[1:]
	p.inMu.Unlock()

	p.dispatch(item.src, item.msg)
	return true
}

func (p *Pump) dispatch(src cmn.Loc, msg Message) {
	hv, ok := p.handlers.Load(msg.Kind)
	if !ok {
		if nlog.FastV(2, nlog.SmodulePD) {
			nlog.Warnf("pd: loc %d: no handler for kind %s", p.loc, msg.Kind)
		}
		return
	}
	h := hv.(Handler)
	respBody, err := h(src, msg.Body)
	if err != nil && nlog.FastV(2, nlog.SmodulePD) {
		nlog.Warnf("pd: loc %d: handler for %s: %v", p.loc, msg.Kind, err)
	}
	if msg.Header.Type != MsgTypeRequestResponse {
		return
	}
	resp := Message{
		Header: Header{Type: MsgTypeResponse, SrcLoc: uint64(p.loc), DstLoc: uint64(src), MsgID: msg.Header.MsgID},
		Kind:   msg.Kind,
		Body:   respBody,
	}
	if err := p.link(src).push(resp); err != nil {
		nlog.Warnf("pd: loc %d: response backpressure to loc %d: %v", p.loc, src, err)
		return
	}
	_ = p.flush(src)
}

// CloneGuid resolves a mobile object's metadata at its owning PD, deduping
// N concurrent local callers for the same guid into one wire round trip
// via singleflight.
func (p *Pump) CloneGuid(ctx context.Context, owner cmn.Loc, g cmn.Guid) ([]byte, error) {
	v, err, _ := p.sf.Do(fmt.Sprintf("clone:%d", uint64(g)), func() (interface{}, error) {
		body := AppendGuid(nil, g)
		resp, rerr := p.Request(ctx, owner, MsgKindCloneReq, body)
		if rerr != nil {
			return nil, rerr
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Close tears down the underlying platform.
func (p *Pump) Close() error { return p.platform.Close() }
