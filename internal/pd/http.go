package pd

import (
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// HTTPPlatform is the real cross-process transport, standing in for a
// CE/XE/MPI/GASNET comm-platform. It uses fasthttp's client/server, since
// PD messages are small fixed-shape control payloads rather than bulk
// object byte streams — one POST per message, no chunking, no range
// requests.
type HTTPPlatform struct {
	loc   cmn.Loc
	addr  string
	peers map[cmn.Loc]string // loc -> "host:port", from the config descriptor's neighbors

	server *fasthttp.Server
	client *fasthttp.Client

	recv RecvFunc
}

// NewHTTPPlatform builds a platform bound to loc, listening at addr once
// ListenAndServe runs, and able to reach every loc in peers.
func NewHTTPPlatform(loc cmn.Loc, addr string, peers map[cmn.Loc]string) *HTTPPlatform {
	p := &HTTPPlatform{loc: loc, addr: addr, peers: peers, client: &fasthttp.Client{Name: "ocrd"}}
	p.server = &fasthttp.Server{Handler: p.handle}
	return p
}

func (p *HTTPPlatform) Loc() cmn.Loc                       { return p.loc }
func (p *HTTPPlatform) SetRecvHandler(fn RecvFunc)         { p.recv = fn }

// ListenAndServe runs the platform's HTTP server; callers invoke this in
// its own goroutine, typically from runlevel.Level NetworkOK bring-up.
func (p *HTTPPlatform) ListenAndServe() error {
	nlog.Infof("pd: http platform loc %d listening at %s", p.loc, p.addr)
	return p.server.ListenAndServe(p.addr)
}

func (p *HTTPPlatform) handle(ctx *fasthttp.RequestCtx) {
	msg, err := Decode(ctx.PostBody())
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	if p.recv != nil {
		p.recv(cmn.Loc(msg.Header.SrcLoc), msg)
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// SendRaw posts wire to dst's known address. Returns cmn.ErrRemoteRefused
// if dst has no known address or refuses the connection.
func (p *HTTPPlatform) SendRaw(dst cmn.Loc, wire []byte) error {
	addr, ok := p.peers[dst]
	if !ok {
		return cmn.WrapRemote(cmn.ErrRemoteRefused, "pd: no known address for loc %d", dst)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s/ocr/msg", addr))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetBody(wire)

	if err := p.client.Do(req, resp); err != nil {
		return cmn.WrapRemote(err, "pd: send to loc %d (%s)", dst, addr)
	}
	if resp.StatusCode() != fasthttp.StatusNoContent {
		return cmn.WrapRemote(cmn.ErrRemoteRefused, "pd: loc %d responded %d", dst, resp.StatusCode())
	}
	return nil
}

func (p *HTTPPlatform) Close() error { return p.server.Shutdown() }

var _ CommPlatform = (*HTTPPlatform)(nil)
