package ratelimit_test

import (
	"time"

	"github.com/jeffvan302/fileharbor/internal/ratelimit"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Limiter", func() {
	When("rate is zero", func() {
		It("is unlimited and never waits", func() {
			l := ratelimit.New(0)
			Expect(l.Unlimited()).To(BeTrue())
			Expect(l.Acquire(10 * 1024 * 1024)).To(Equal(time.Duration(0)))
		})
	})

	When("a request fits within the current burst", func() {
		It("does not wait", func() {
			l := ratelimit.New(1024)
			Expect(l.Acquire(512)).To(Equal(time.Duration(0)))
		})
	})

	When("a request exceeds available tokens", func() {
		It("reports a positive wait proportional to the shortfall", func() {
			l := ratelimit.New(1000) // 1000 B/s, 1000-byte burst
			l.Acquire(1000)          // drain the initial burst
			waited := l.Acquire(500) // needs 500 more tokens at 1000 B/s => 0.5s
			Expect(waited).To(BeNumerically("~", 500*time.Millisecond, 5*time.Millisecond))
		})
	})

	When("many goroutines share one limiter", func() {
		It("serializes acquisitions without racing on the token count", func() {
			l := ratelimit.New(1_000_000)
			done := make(chan struct{})
			for i := 0; i < 16; i++ {
				go func() {
					l.Acquire(1024)
					done <- struct{}{}
				}()
			}
			for i := 0; i < 16; i++ {
				<-done
			}
		})
	})
})
