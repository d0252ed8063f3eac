package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/relay/pkg/logger"
)

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	Describe("New", func() {
		DescribeTable("respects the configured level",
			func(level string, enabled, disabled slog.Level) {
				log := logger.New(logger.Options{Level: level, Environment: "dev", Output: buf})
				Expect(log.Enabled(context.Background(), enabled)).To(BeTrue())
				Expect(log.Enabled(context.Background(), disabled)).To(BeFalse())
			},
			Entry("info", "info", slog.LevelInfo, slog.LevelDebug),
			Entry("debug", "debug", slog.LevelDebug, slog.LevelDebug-1),
			Entry("warn", "warn", slog.LevelWarn, slog.LevelInfo),
			Entry("error", "error", slog.LevelError, slog.LevelWarn),
			Entry("unknown defaults to info", "verbose", slog.LevelInfo, slog.LevelDebug),
		)

		It("should write JSON in prod", func() {
			log := logger.New(logger.Options{Level: "info", Environment: "prod", Output: buf})
			log.Info("hello", slog.String("key", "value"))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("msg", "hello"))
			Expect(record).To(HaveKeyWithValue("environment", "prod"))
			Expect(record).To(HaveKeyWithValue("key", "value"))
		})

		It("should write text outside prod", func() {
			log := logger.New(logger.Options{Level: "info", Environment: "dev", Output: buf})
			log.Info("hello")
			Expect(buf.String()).To(ContainSubstring("msg=hello"))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
		})
	})

	Describe("Component", func() {
		It("should tag records with the component name", func() {
			log := logger.Component(logger.New(logger.Options{Environment: "dev", Output: buf}), "forwarder")
			log.Info("ready")
			Expect(buf.String()).To(ContainSubstring("component=forwarder"))
		})
	})

	Describe("StdLogger", func() {
		It("should bridge the standard library logger", func() {
			std := logger.StdLogger(logger.New(logger.Options{Environment: "dev", Output: buf}), slog.LevelWarn)
			std.Print("tls handshake error")
			Expect(buf.String()).To(ContainSubstring("level=WARN"))
			Expect(buf.String()).To(ContainSubstring("tls handshake error"))
		})
	})
})
