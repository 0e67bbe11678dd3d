package runtime

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/pd"
)

// registerPumpHandlers wires the one cross-PD operation this Runtime
// actually exercises: a depc==0, affinity-targeted EdtCreate landing on a
// remote PD. MsgKindCloneReq/CloneResp,
// MsgKindDBAcquireReq/DBAcquireResp, MsgKindDBWriteback, and
// MsgKindEventSatisfy stay intentionally unregistered: nothing in this
// module's scope drives a dependent (depc>0) cross-PD EDT or a DB mobility
// boundary (see DESIGN.md), so internal/pd.Pump.dispatch's existing
// "no handler for kind" log-and-return path is the correct behavior for
// them rather than dead handler code.
func (rt *Runtime) registerPumpHandlers() {
	rt.pump.SetHandler(pd.MsgKindReadyEDT, rt.handleReadyEDT)
}

// forwardReadyEDT is EdtCreate's remote-placement path: it encodes the
// template instantiation as a MsgKindReadyEDT one-way message and returns a
// synthetic, non-introspectable guid standing in for the EDT that will be
// constructed on dstLoc. Callers cannot AddDependence against it or query
// its finish-scope membership locally — the forwarded EDT's own dependence
// graph and finish nesting resolve entirely on dstLoc, consistent with the
// depc==0 restriction this path is only ever taken under.
func (rt *Runtime) forwardReadyEDT(dstLoc cmn.Loc, tmplName string, paramv []uint64,
	props cmn.EdtProp, outputEvent, affinityHint, parentFinishLatch cmn.Guid) (cmn.Guid, error) {

	body := encodeReadyEDT(tmplName, paramv, props, outputEvent, affinityHint, parentFinishLatch)
	if err := rt.pump.SendOneWay(dstLoc, pd.MsgKindReadyEDT, body); err != nil {
		return cmn.NullGuid, cmn.WrapRemote(err, "runtime: forward edt %q to loc %d", tmplName, dstLoc)
	}
	rt.metrics.msgsSent.Inc()
	return cmn.MakeGuid(cmn.KindEDT, dstLoc, 0), nil
}

// handleReadyEDT is pd.Handler for MsgKindReadyEDT: it decodes the
// forwarded instantiation, resolves the template by name on this PD, and
// constructs the EDT exactly as a local EdtCreate would (depc==0, so no
// dependence binding is needed).
func (rt *Runtime) handleReadyEDT(src cmn.Loc, body []byte) ([]byte, error) {
	tmplName, paramv, props, outputEvent, affinityHint, parentFinishLatch, err := decodeReadyEDT(body)
	if err != nil {
		return nil, cmn.WrapProtocol(err, "runtime: decode ready-edt from loc %d", src)
	}
	rt.metrics.msgsReceived.Inc()
	tmpl, err := rt.templates.LookupByName(tmplName)
	if err != nil {
		return nil, cmn.WrapProtocol(err, "runtime: ready-edt %q: template not registered on loc %d", tmplName, rt.loc)
	}
	_, err = rt.createEDT(tmpl, paramv, 0, nil, props, outputEvent, affinityHint, parentFinishLatch)
	return nil, err
}

func encodeReadyEDT(tmplName string, paramv []uint64, props cmn.EdtProp,
	outputEvent, affinityHint, parentFinishLatch cmn.Guid) []byte {

	b := pd.AppendVarBytes(nil, []byte(tmplName))
	b = msgp.AppendUint32(b, uint32(len(paramv)))
	for _, p := range paramv {
		b = msgp.AppendUint64(b, p)
	}
	b = msgp.AppendUint32(b, uint32(props))
	b = pd.AppendGuid(b, outputEvent)
	b = pd.AppendGuid(b, affinityHint)
	b = pd.AppendGuid(b, parentFinishLatch)
	return b
}

func decodeReadyEDT(b []byte) (tmplName string, paramv []uint64, props cmn.EdtProp,
	outputEvent, affinityHint, parentFinishLatch cmn.Guid, err error) {

	nameBytes, b, err := pd.ReadVarBytes(b)
	if err != nil {
		return "", nil, 0, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid, err
	}
	tmplName = string(nameBytes)

	n, b, err := msgp.ReadUint32Bytes(b)
	if err != nil {
		return "", nil, 0, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid, err
	}
	paramv = make([]uint64, n)
	for i := range paramv {
		var v uint64
		v, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return "", nil, 0, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid, err
		}
		paramv[i] = v
	}

	propsU32, b, err := msgp.ReadUint32Bytes(b)
	if err != nil {
		return "", nil, 0, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid, err
	}
	props = cmn.EdtProp(propsU32)

	outputEvent, b, err = pd.ReadGuid(b)
	if err != nil {
		return "", nil, 0, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid, err
	}
	affinityHint, b, err = pd.ReadGuid(b)
	if err != nil {
		return "", nil, 0, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid, err
	}
	parentFinishLatch, _, err = pd.ReadGuid(b)
	if err != nil {
		return "", nil, 0, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid, err
	}
	return tmplName, paramv, props, outputEvent, affinityHint, parentFinishLatch, nil
}
