package event_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/event"
)

func TestEventSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "event state machine suite")
}

type captureWaiter struct {
	got     bool
	payload cmn.Guid
	err     error
}

func (w *captureWaiter) Notify(pc *event.Ctx, slot int, payload cmn.Guid, err error) {
	w.got, w.payload, w.err = true, payload, err
}

var _ = Describe("Event", func() {
	var guid cmn.Guid

	BeforeEach(func() {
		guid = cmn.MakeGuid(cmn.KindEvent, 0, 1)
	})

	Context("Sticky", func() {
		It("delivers the same payload to every waiter registered after firing", func() {
			e := event.New(guid, event.KindSticky, true)
			payload := cmn.MakeGuid(cmn.KindDB, 0, 1)
			Expect(e.Satisfy(nil, payload, 0)).To(Succeed())

			w1, w2 := &captureWaiter{}, &captureWaiter{}
			imm1, _ := e.RegisterWaiter(nil, w1, 0, event.ModeRO)
			imm2, _ := e.RegisterWaiter(nil, w2, 1, event.ModeRW)
			Expect(imm1).To(BeTrue())
			Expect(imm2).To(BeTrue())
			Expect(w1.payload).To(Equal(payload))
			Expect(w2.payload).To(Equal(payload))
		})

		It("rejects a second satisfy as a protocol error", func() {
			e := event.New(guid, event.KindSticky, true)
			Expect(e.Satisfy(nil, cmn.MakeGuid(cmn.KindDB, 0, 1), 0)).To(Succeed())
			Expect(e.Satisfy(nil, cmn.MakeGuid(cmn.KindDB, 0, 2), 0)).To(HaveOccurred())
		})
	})

	Context("Idempotent", func() {
		It("keeps the first payload and silently drops later ones", func() {
			e := event.New(guid, event.KindIdempotent, true)
			first := cmn.MakeGuid(cmn.KindDB, 0, 1)
			Expect(e.Satisfy(nil, first, 0)).To(Succeed())
			Expect(e.Satisfy(nil, cmn.MakeGuid(cmn.KindDB, 0, 2), 0)).To(Succeed())

			w := &captureWaiter{}
			e.RegisterWaiter(nil, w, 0, event.ModeRO)
			Expect(w.payload).To(Equal(first))
		})
	})

	Context("Once", func() {
		It("self-destructs after its single satisfaction propagates", func() {
			e := event.New(guid, event.KindOnce, true)
			var destroyedGuid cmn.Guid
			e.SetAutoDestroy(func(g cmn.Guid) { destroyedGuid = g })

			Expect(e.Satisfy(nil, cmn.MakeGuid(cmn.KindDB, 0, 1), 0)).To(Succeed())
			Expect(destroyedGuid).To(Equal(guid))
		})
	})

	Context("Latch", func() {
		It("fires only once incr and decr counters are equal and nonzero", func() {
			e := event.New(guid, event.KindLatch, false)
			w := &captureWaiter{}
			e.RegisterWaiter(nil, w, 0, event.ModeRO)

			e.SatisfyIncr(nil)
			e.SatisfyIncr(nil)
			Expect(w.got).To(BeFalse())

			e.SatisfyDecr(nil)
			Expect(w.got).To(BeFalse())

			e.SatisfyDecr(nil)
			Expect(w.got).To(BeTrue())
		})

		It("supports nested finish-scope style increment/decrement pairs", func() {
			e := event.New(guid, event.KindLatch, false)
			w := &captureWaiter{}
			e.RegisterWaiter(nil, w, 0, event.ModeRO)

			for i := 0; i < 5; i++ {
				e.SatisfyIncr(nil)
			}
			for i := 0; i < 4; i++ {
				e.SatisfyDecr(nil)
			}
			Expect(w.got).To(BeFalse())
			e.SatisfyDecr(nil)
			Expect(w.got).To(BeTrue())
		})
	})

	Context("Counted", func() {
		It("self-destructs once remaining reaches zero", func() {
			e := event.New(guid, event.KindCounted, true)
			e.InitCounted(2)
			destroyed := false
			e.SetAutoDestroy(func(cmn.Guid) { destroyed = true })

			Expect(e.Satisfy(nil, cmn.MakeGuid(cmn.KindDB, 0, 1), 0)).To(Succeed())
			for i := 0; i < 2; i++ {
				e.RegisterWaiter(nil, &captureWaiter{}, 0, event.ModeRO)
				if i == 0 {
					Expect(destroyed).To(BeFalse())
				}
			}
			Expect(destroyed).To(BeTrue())
		})
	})

	Context("Channel", func() {
		It("pairs FIFO producer payloads with FIFO consumer registrations", func() {
			e := event.New(guid, event.KindChannel, true)
			p1 := cmn.MakeGuid(cmn.KindDB, 0, 1)
			p2 := cmn.MakeGuid(cmn.KindDB, 0, 2)
			Expect(e.Satisfy(nil, p1, 0)).To(Succeed())
			Expect(e.Satisfy(nil, p2, 0)).To(Succeed())

			w1, w2 := &captureWaiter{}, &captureWaiter{}
			e.RegisterWaiter(nil, w1, 0, event.ModeRO)
			e.RegisterWaiter(nil, w2, 0, event.ModeRO)
			Expect(w1.payload).To(Equal(p1))
			Expect(w2.payload).To(Equal(p2))
		})
	})

	Context("Destroy", func() {
		It("cancels every still-pending waiter", func() {
			e := event.New(guid, event.KindSticky, true)
			w := &captureWaiter{}
			e.RegisterWaiter(nil, w, 0, event.ModeRO)
			e.Destroy(nil)
			Expect(w.err).To(MatchError(cmn.ErrCanceled))
		})
	})
})
