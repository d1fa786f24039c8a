package client_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/relay/client"
)

var _ = Describe("Registry", func() {
	var registry *client.Registry

	BeforeEach(func() {
		registry = client.NewRegistry()
	})

	It("starts empty", func() {
		Expect(registry.Empty()).To(BeTrue())
	})

	It("tracks exact channels and patterns separately", func() {
		registry.AddChannel("orders")
		registry.AddPattern("news.*")

		Expect(registry.Channels()).To(ConsistOf("orders"))
		Expect(registry.Patterns()).To(ConsistOf("news.*"))
		Expect(registry.Empty()).To(BeFalse())

		registry.RemoveChannel("orders")
		Expect(registry.Empty()).To(BeFalse())

		registry.RemovePattern("news.*")
		Expect(registry.Empty()).To(BeTrue())
	})

	It("clears a whole set and returns what it held", func() {
		registry.AddChannel("a")
		registry.AddChannel("b")

		Expect(registry.ClearChannels()).To(ConsistOf("a", "b"))
		Expect(registry.Channels()).To(BeEmpty())
	})

	Describe("acknowledgements", func() {
		It("resolves a pending acknowledgement by name", func() {
			ack := registry.AwaitAck("orders")

			Expect(ack).NotTo(BeClosed())

			registry.ResolveAck("orders")
			Expect(ack).To(BeClosed())
		})

		It("does not resolve other names", func() {
			ack := registry.AwaitAck("orders")

			registry.ResolveAck("invoices")
			Expect(ack).NotTo(BeClosed())
		})

		It("returns the existing resolver when a name is already pending", func() {
			first := registry.AwaitAck("orders")
			second := registry.AwaitAck("orders")

			registry.ResolveAck("orders")

			// Both waiters were honoured by the one acknowledgement
			Expect(first).To(BeClosed())
			Expect(second).To(BeClosed())
		})

		It("resolves the resolve-all slots independently", func() {
			channels := registry.AwaitAllChannels()
			patterns := registry.AwaitAllPatterns()

			registry.ResolveAllChannels()
			Expect(channels).To(BeClosed())
			Expect(patterns).NotTo(BeClosed())

			registry.ResolveAllPatterns()
			Expect(patterns).To(BeClosed())
		})

		It("resolves everything when the connection goes away", func() {
			ack := registry.AwaitAck("orders")
			all := registry.AwaitAllChannels()

			registry.ResolveEverything()

			Expect(ack).To(BeClosed())
			Expect(all).To(BeClosed())
		})
	})
})
