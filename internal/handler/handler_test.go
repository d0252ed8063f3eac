package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/relay/internal/circuitbreaker"
	"github.com/angeloszaimis/relay/internal/forwarder"
	"github.com/angeloszaimis/relay/internal/handler"
	"github.com/angeloszaimis/relay/internal/metrics"
	"github.com/angeloszaimis/relay/internal/proxyerr"
	"github.com/angeloszaimis/relay/internal/route"
	"github.com/angeloszaimis/relay/internal/upstream"
)

var _ = Describe("ProxyHandler", func() {
	var (
		log       *slog.Logger
		users     *httptest.Server
		auth      *httptest.Server
		seen      chan string
		transport *http.Transport
	)

	newHandler := func(routes []route.Route, fallback *route.Route, extra func(*handler.Options)) *handler.ProxyHandler {
		table, err := route.NewTable(routes, fallback)
		Expect(err).NotTo(HaveOccurred())

		opts := handler.Options{
			Table:     table,
			Registry:  upstream.NewRegistry(table.Targets()...),
			Transport: transport,
		}
		if extra != nil {
			extra(&opts)
		}

		h, err := handler.NewProxyHandler(log, opts)
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	decode := func(w *httptest.ResponseRecorder) proxyerr.Body {
		var body proxyerr.Body
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		return body
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		seen = make(chan string, 10)
		transport = forwarder.NewTransport(forwarder.TransportOptions{
			ConnectTimeout:        time.Second,
			IdleTimeout:           5 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
		})

		users = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen <- "users " + r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":1}`))
		}))
		auth = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen <- "auth " + r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}))
	})

	AfterEach(func() {
		transport.CloseIdleConnections()
		users.Close()
		auth.Close()
	})

	Describe("NewProxyHandler", func() {
		It("should require a table and a registry", func() {
			_, err := handler.NewProxyHandler(log, handler.Options{})
			Expect(err).To(HaveOccurred())
		})

		It("should fail when a target has no upstream", func() {
			table, err := route.NewTable([]route.Route{{Prefix: "/api", Target: targetOf(users)}}, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = handler.NewProxyHandler(log, handler.Options{
				Table:    table,
				Registry: upstream.NewRegistry(),
			})
			Expect(err).To(MatchError(ContainSubstring("no upstream registered")))
		})
	})

	Describe("routing", func() {
		var h *handler.ProxyHandler

		BeforeEach(func() {
			h = newHandler([]route.Route{
				{Prefix: "/api", Target: targetOf(users), StripPrefix: true},
				{Prefix: "/auth", Target: targetOf(auth), StripPrefix: true},
			}, nil, nil)
		})

		It("should send each prefix to its own upstream", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(Equal(`{"id":1}`))
			Expect(seen).To(Receive(Equal("users /users")))

			w = httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("x")))
			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(seen).To(Receive(Equal("auth /login")))
		})

		It("should answer 404 when nothing matches", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))

			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(decode(w).Error).To(Equal(proxyerr.KindNoRoute))
			Expect(seen).NotTo(Receive())
		})

		It("should not treat a longer segment as a prefix match", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/apiv2/users", nil))
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("should answer 502 for an empty path", func() {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.URL.Path = ""

			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			Expect(w.Code).To(Equal(http.StatusBadGateway))
		})

		It("should reject request targets that are not paths", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "*", nil))

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(w.Header().Get("Connection")).To(Equal("close"))
			Expect(decode(w).Error).To(Equal(proxyerr.KindProtocol))
		})
	})

	Describe("default route", func() {
		It("should take unmatched and empty paths", func() {
			h := newHandler(
				[]route.Route{{Prefix: "/api", Target: targetOf(users), StripPrefix: true}},
				&route.Route{Target: targetOf(auth)},
				nil,
			)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(seen).To(Receive(Equal("auth /dashboard")))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.URL.Path = ""
			w = httptest.NewRecorder()
			h.ServeHTTP(w, req)
			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(seen).To(Receive(Equal("auth /")))
		})
	})

	Describe("metrics", func() {
		It("should record requests, statuses and failures per route", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			collector := metrics.NewCollector(100, log)
			go collector.Run(ctx)

			dead := httptest.NewServer(http.NotFoundHandler())
			deadTarget := targetOf(dead)
			dead.Close()

			h := newHandler([]route.Route{
				{Prefix: "/api", Target: targetOf(users), StripPrefix: true},
				{Prefix: "/down", Target: deadTarget, StripPrefix: true},
			}, nil, func(o *handler.Options) { o.Collector = collector })

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/users", nil))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/down/x", nil))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

			// Events apply in order, so the last one implies the rest.
			Eventually(func() map[int]int64 {
				return collector.Snapshot().Routes["(unmatched)"].StatusCodes
			}).Should(HaveKeyWithValue(http.StatusNotFound, int64(1)))

			snap := collector.Snapshot()
			Expect(snap.TotalRequests).To(Equal(int64(3)))
			Expect(snap.Routes["/api"].Requests).To(Equal(int64(1)))
			Expect(snap.Routes["/api"].StatusCodes).To(HaveKeyWithValue(http.StatusOK, int64(1)))
			Expect(snap.Routes["/api"].BytesOut).To(Equal(int64(len(`{"id":1}`))))
			Expect(snap.Routes["/down"].StatusCodes).To(HaveKeyWithValue(http.StatusBadGateway, int64(1)))
			Expect(snap.Routes["/down"].Errors).To(HaveKeyWithValue(string(proxyerr.KindUpstreamUnreachable), int64(1)))
		})

		It("should record a response that is cut off after its headers", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			collector := metrics.NewCollector(100, log)
			go collector.Run(ctx)

			stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "100")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("partial"))
				w.(http.Flusher).Flush()
				<-r.Context().Done()
			}))
			defer stalled.Close()

			transport = forwarder.NewTransport(forwarder.TransportOptions{
				ConnectTimeout:        time.Second,
				IdleTimeout:           200 * time.Millisecond,
				ResponseHeaderTimeout: time.Second,
			})
			h := newHandler([]route.Route{
				{Prefix: "/slow", Target: targetOf(stalled)},
			}, nil, func(o *handler.Options) { o.Collector = collector })

			front := httptest.NewServer(h)
			defer front.Close()

			resp, err := http.Get(front.URL + "/slow/body")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			_, err = io.ReadAll(resp.Body)
			Expect(err).To(HaveOccurred())

			Eventually(func() map[int]int64 {
				return collector.Snapshot().Routes["/slow"].StatusCodes
			}, 3*time.Second).Should(HaveKeyWithValue(http.StatusOK, int64(1)))
			Expect(collector.Snapshot().Routes["/slow"].BytesOut).To(Equal(int64(len("partial"))))
		})
	})

	Describe("circuit breaker", func() {
		It("should share one breaker per upstream and fail fast once open", func() {
			dead := httptest.NewServer(http.NotFoundHandler())
			deadTarget := targetOf(dead)
			dead.Close()

			breakers := circuitbreaker.NewRegistry(1, time.Minute)
			h := newHandler([]route.Route{
				{Prefix: "/a", Target: deadTarget},
				{Prefix: "/b", Target: deadTarget},
			}, nil, func(o *handler.Options) { o.Breakers = breakers })

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a", nil))
			Expect(decode(w).Error).To(Equal(proxyerr.KindUpstreamUnreachable))

			w = httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/b", nil))
			Expect(w.Code).To(Equal(http.StatusBadGateway))
			Expect(decode(w).Error).To(Equal(proxyerr.KindUpstreamUnavailable))

			Expect(breakers.Stats()).To(HaveKeyWithValue(deadTarget.Address(), circuitbreaker.StateOpen))
		})
	})

	Describe("websocket upgrade", func() {
		It("should relay frames in both directions", func() {
			upgrader := websocket.Upgrader{}
			echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/echo" {
					http.NotFound(w, r)
					return
				}
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				defer conn.Close()
				for {
					mt, msg, err := conn.ReadMessage()
					if err != nil {
						return
					}
					if err := conn.WriteMessage(mt, msg); err != nil {
						return
					}
				}
			}))
			defer echo.Close()

			h := newHandler([]route.Route{{Prefix: "/ws", Target: targetOf(echo), StripPrefix: true}}, nil, nil)
			front := httptest.NewServer(h)
			defer front.Close()

			wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/ws/echo"
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusSwitchingProtocols))

			Expect(conn.WriteMessage(websocket.TextMessage, []byte("ping"))).To(Succeed())
			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			mt, msg, err := conn.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			Expect(mt).To(Equal(websocket.TextMessage))
			Expect(string(msg)).To(Equal("ping"))
		})
	})
})
