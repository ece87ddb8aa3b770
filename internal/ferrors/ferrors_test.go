package ferrors_test

import (
	"errors"
	"fmt"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ferrors", func() {
	Describe("New", func() {
		var errSt error
		BeforeEach(func() {
			errSt = ferrors.New(ferrors.KindPathTraversal, "escapes library root")
		})

		When("an error is a *ferrors.Error", func() {
			It("is comparable with errors.As()", func() {
				var fe *ferrors.Error
				Expect(errors.As(errSt, &fe)).To(BeTrue())
				Expect(fe.K).To(Equal(ferrors.KindPathTraversal))
			})

			It("reports the matching status code", func() {
				var fe *ferrors.Error
				Expect(errors.As(errSt, &fe)).To(BeTrue())
				Expect(fe.StatusCode()).To(Equal(400))
			})

			It("prints a human-readable message", func() {
				Expect(errSt.Error()).To(ContainSubstring("escapes library root"))
			})
		})

		When("an error wraps a *ferrors.Error", func() {
			It("is still comparable with errors.As()", func() {
				wrapped := fmt.Errorf("PUT_START failed: %w", errSt)
				var fe *ferrors.Error
				Expect(errors.As(wrapped, &fe)).To(BeTrue())
				Expect(fe.K).To(Equal(ferrors.KindPathTraversal))
			})
		})

		When("an error is not a *ferrors.Error", func() {
			It("KindOf falls back to KindInternal", func() {
				Expect(ferrors.KindOf(errors.New("boom"))).To(Equal(ferrors.KindInternal))
			})
		})
	})

	Describe("Wrap", func() {
		It("preserves the wrapped error for Unwrap", func() {
			root := errors.New("disk error")
			wrapped := ferrors.Wrap(ferrors.KindDiskFull, root, "write failed")
			Expect(errors.Unwrap(wrapped)).To(Equal(root))
			Expect(wrapped.StatusCode()).To(Equal(507))
		})
	})
})
