package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-9")
	ctx = obscontext.WithOrgID(ctx, "42")
	ctx = obscontext.WithActor(ctx, "user", "u-owner")
	WithContext(ctx, base).Info("sale recorded")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "42", fields["org_id"])
	assert.Equal(t, "u-owner", fields["actor_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestWithContextLeavesBareLoggerAlone(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, WithContext(context.Background(), base))
}

func TestSamplingKeepsErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sampled := zapcore.NewSamplerWithOptions(levelBelow(core, zapcore.ErrorLevel), 1e12, 1, 0)
	log := zap.New(zapcore.NewTee(sampled, levelAtLeast(core, zapcore.ErrorLevel)))

	for i := 0; i < 5; i++ {
		log.Info("tick")
		log.Error("chain broken")
	}

	assert.Equal(t, 1, logs.FilterMessage("tick").Len())
	assert.Equal(t, 5, logs.FilterMessage("chain broken").Len())
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/api/ledger/verify", http.StatusConflict, "fiscal_integrity_compromised"))
	assert.Equal(t, zapcore.WarnLevel, requestLevel("/api/reports/daily", http.StatusConflict, "report_already_exists"))
	assert.Equal(t, zapcore.WarnLevel, requestLevel("/api/ledger/verify", http.StatusTooManyRequests, "rate_limited"))
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/api/sales", http.StatusInternalServerError, "internal_error"))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/metrics", http.StatusOK, ""))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/api/sales", http.StatusCreated, ""))
}

func TestGinMiddlewareKeepsInboundRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))

	engine := gin.New()
	engine.Use(GinMiddleware(MiddlewareConfig{}))
	engine.GET("/api/sales/:id", func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithOrgID(c.Request.Context(), "42"))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sales/1", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-Id"))

	req = httptest.NewRequest(http.MethodGet, "/api/sales/2", nil)
	req.Header.Set("X-Request-Id", "has space")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.NotEqual(t, "has space", rec.Header().Get("X-Request-Id"))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-abc", fields["request_id"])
	assert.Equal(t, "42", fields["org_id"])
	assert.Equal(t, "/api/sales/:id", fields["route"])
}
