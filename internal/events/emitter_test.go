package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("emitter", Ordered, func() {
	Context("emit", func() {
		It("publishes a run event with the run kind", func() {
			p := &fakeProducer{}
			em := &Emitter{producer: p}

			em.RunEvent(context.TODO(), RunEvent{RunID: "run-1", Kind: "scan", Status: "RUNNING"})

			Expect(p.kinds).To(HaveLen(1))
			Expect(p.kinds[0]).To(Equal(RunMessageKind))

			var e RunEvent
			Expect(json.Unmarshal(p.payloads[0], &e)).To(BeNil())
			Expect(e.RunID).To(Equal("run-1"))
			Expect(e.Status).To(Equal("RUNNING"))
		})

		It("swallows producer failures", func() {
			p := &fakeProducer{err: errors.New("broker gone")}
			em := &Emitter{producer: p}

			em.StepEvent(context.TODO(), StepEvent{RunID: "run-1", Name: "clone-repository"})

			Expect(p.kinds).To(HaveLen(1))
		})
	})
})

type fakeProducer struct {
	kinds    []string
	payloads [][]byte
	err      error
}

func (f *fakeProducer) Write(ctx context.Context, kind string, body io.Reader) error {
	data, _ := io.ReadAll(body)
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, data)
	return f.err
}
