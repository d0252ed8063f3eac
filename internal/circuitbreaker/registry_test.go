package circuitbreaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/relay/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var registry *circuitbreaker.Registry

	BeforeEach(func() {
		registry = circuitbreaker.NewRegistry(2, 50*time.Millisecond)
	})

	Describe("GetBreaker", func() {
		It("should return the same breaker for an address", func() {
			Expect(registry.GetBreaker("localhost:9001")).To(BeIdenticalTo(registry.GetBreaker("localhost:9001")))
		})

		It("should keep addresses apart", func() {
			Expect(registry.GetBreaker("localhost:9001")).NotTo(BeIdenticalTo(registry.GetBreaker("localhost:9002")))
		})

		It("should build breakers with the registry settings", func() {
			cb := registry.GetBreaker("localhost:9001")
			cb.RecordFailure()
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			time.Sleep(60 * time.Millisecond)
			Expect(cb.Allow()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should create a single breaker under concurrent access", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					Expect(registry.GetBreaker("localhost:9001")).NotTo(BeNil())
				}()
			}
			wg.Wait()
			Expect(registry.Stats()).To(HaveLen(1))
		})
	})

	Describe("Stats", func() {
		It("should report every breaker state", func() {
			registry.GetBreaker("localhost:9001")
			tripped := registry.GetBreaker("localhost:9002")
			tripped.RecordFailure()
			tripped.RecordFailure()

			Expect(registry.Stats()).To(Equal(map[string]circuitbreaker.State{
				"localhost:9001": circuitbreaker.StateClosed,
				"localhost:9002": circuitbreaker.StateOpen,
			}))
		})
	})
})
