package events

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("buffer", Ordered, func() {
	Context("buffer", func() {
		It("add successfully", func() {
			buffer := newBuffer()

			// add the first message
			err := buffer.PushBack(&message{Kind: RunMessageKind, Data: []byte("msg1")})
			Expect(err).To(BeNil())
			Expect(buffer.Size()).To(Equal(1))

			// second
			err = buffer.PushBack(&message{Kind: RunMessageKind, Data: []byte("msg2")})
			Expect(err).To(BeNil())
			Expect(buffer.Size()).To(Equal(2))

			// third
			err = buffer.PushBack(&message{Kind: RunMessageKind, Data: []byte("msg3")})
			Expect(err).To(BeNil())
			Expect(buffer.Size()).To(Equal(3))
		})

		It("pop", func() {
			buffer := newBuffer()

			// add the first message
			err := buffer.PushBack(&message{Kind: RunMessageKind, Data: []byte("msg1")})
			Expect(err).To(BeNil())
			err = buffer.PushBack(&message{Kind: RunMessageKind, Data: []byte("msg2")})
			Expect(err).To(BeNil())
			err = buffer.PushBack(&message{Kind: RunMessageKind, Data: []byte("msg3")})
			Expect(err).To(BeNil())
			Expect(buffer.Size()).To(Equal(3))

			m := buffer.Pop()
			Expect(m).NotTo(BeNil())
			Expect(m.Data).To(Equal([]byte("msg1")))
			Expect(buffer.Size()).To(Equal(2))

			m = buffer.Pop()
			Expect(m).NotTo(BeNil())
			Expect(m.Data).To(Equal([]byte("msg2")))
			Expect(buffer.Size()).To(Equal(1))

			m = buffer.Pop()
			Expect(m).NotTo(BeNil())
			Expect(m.Data).To(Equal([]byte("msg3")))
			Expect(buffer.Size()).To(Equal(0))

			m = buffer.Pop()
			Expect(m).To(BeNil())
		})
	})
})
