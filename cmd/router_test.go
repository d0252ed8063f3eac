package main

import (
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", name)
		w.WriteHeader(http.StatusTeapot)
	})
}

var _ = Describe("setupRouter", func() {
	var router http.Handler

	BeforeEach(func() {
		router = setupRouter(routerOptions{
			Proxy:       named("proxy"),
			Health:      named("health"),
			HealthPath:  "/health",
			Metrics:     named("metrics"),
			MetricsPath: "/metrics",
		})
	})

	DescribeTable("dispatches",
		func(method, target, want string) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
			Expect(w.Header().Get("X-Handler")).To(Equal(want))
		},
		Entry("health", http.MethodGet, "/health", "health"),
		Entry("health HEAD", http.MethodHead, "/health", "health"),
		Entry("metrics", http.MethodGet, "/metrics", "metrics"),
		Entry("root", http.MethodGet, "/", "proxy"),
		Entry("prefixed path", http.MethodPost, "/api/users", "proxy"),
		Entry("nested under health", http.MethodGet, "/health/deep", "proxy"),
		Entry("asterisk target", http.MethodOptions, "*", "proxy"),
	)

	It("should recover from handler panics", func() {
		router = setupRouter(routerOptions{
			Proxy: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic("boom")
			}),
			Health:     named("health"),
			HealthPath: "/health",
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})
})

var _ = Describe("setupListenerRouter", func() {
	It("should forward everything, including the internal paths", func() {
		router := setupListenerRouter(named("proxy"))

		for _, target := range []string{"/", "/health", "/metrics", "/a/b"} {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
			Expect(w.Header().Get("X-Handler")).To(Equal("proxy"), target)
		}
	})
})
