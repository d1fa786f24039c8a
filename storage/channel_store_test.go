package storage_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/luma/relay/storage"
)

var _ = Describe("ChannelStore", func() {
	var (
		ctx   context.Context
		store *storage.ChannelStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = storage.NewChannelStore()
	})

	AfterEach(func() {
		store.Close()
	})

	It("shuts down cleanly, even twice", func() {
		Expect(store.Close()).To(Succeed())
		Expect(store.Close()).To(Succeed())
	})

	It("backs up an empty store as an empty document", func() {
		backup, err := store.Backup()
		Expect(err).To(Succeed())
		Expect(string(backup)).To(Equal("{}"))
	})

	It("retains the latest payload per channel", func() {
		Expect(store.Record(ctx, "orders", []byte(`{"id":1}`))).To(Succeed())
		Expect(store.Record(ctx, "orders", []byte(`{"id":2}`))).To(Succeed())

		entry, err := store.Get(ctx, "orders")
		Expect(err).To(Succeed())
		Expect(entry).NotTo(BeNil())

		Expect(gjson.GetBytes(entry, "payload").String()).To(Equal(`{"id":2}`))
		Expect(gjson.GetBytes(entry, "seenAt").Exists()).To(BeTrue())
		Expect(gjson.GetBytes(entry, "binary").Exists()).To(BeFalse())
	})

	It("returns nil for a channel nothing was seen on", func() {
		entry, err := store.Get(ctx, "silence")
		Expect(err).To(Succeed())
		Expect(entry).To(BeNil())
	})

	It("keeps dotted channel names as flat keys", func() {
		Expect(store.Record(ctx, "news.sports", []byte("goal"))).To(Succeed())
		Expect(store.Record(ctx, "news.*", []byte("everything"))).To(Succeed())

		Expect(store.Channels()).To(ConsistOf("news.sports", "news.*"))

		entry, err := store.Get(ctx, "news.sports")
		Expect(err).To(Succeed())
		Expect(gjson.GetBytes(entry, "payload").String()).To(Equal("goal"))
	})

	It("flags non-UTF-8 payloads as binary and encodes them", func() {
		Expect(store.Record(ctx, "bin", []byte{0xff, 0x00, 0xfe})).To(Succeed())

		entry, err := store.Get(ctx, "bin")
		Expect(err).To(Succeed())

		Expect(gjson.GetBytes(entry, "binary").Bool()).To(BeTrue())
		Expect(gjson.GetBytes(entry, "payload").String()).To(Equal("/wD+"))
	})

	It("fans updates out to every listener", func() {
		first := store.ListenToUpdates()
		second := store.ListenToUpdates()

		Expect(store.Record(ctx, "orders", []byte("hi"))).To(Succeed())

		Expect(<-first).To(Equal(&storage.Update{Channel: "orders", Payload: []byte("hi")}))
		Expect(<-second).To(Equal(&storage.Update{Channel: "orders", Payload: []byte("hi")}))
	})

	It("closes update channels on shutdown", func() {
		updates := store.ListenToUpdates()

		Expect(store.Close()).To(Succeed())

		Expect(updates).To(BeClosed())
	})

	It("round-trips through Backup and Restore", func() {
		Expect(store.Record(ctx, "orders", []byte("hi"))).To(Succeed())

		backup, err := store.Backup()
		Expect(err).To(Succeed())

		restored := storage.NewChannelStore()
		defer restored.Close()

		Expect(restored.Restore(backup)).To(Succeed())
		Expect(restored.Channels()).To(ConsistOf("orders"))
	})
})
