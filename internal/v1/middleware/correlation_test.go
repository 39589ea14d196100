package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloq/focus/internal/v1/logging"
)

func serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())

	var ginValue, ctxValue string
	r.GET("/", func(c *gin.Context) {
		if v, ok := c.Get(string(logging.CorrelationIDKey)); ok {
			ginValue, _ = v.(string)
		}
		ctxValue, _ = c.Request.Context().Value(logging.CorrelationIDKey).(string)
		c.Status(http.StatusOK)
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp, ginValue, ctxValue
}

func TestCorrelationIDGeneratesNew(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, ginValue, ctxValue := serve(t, req)

	header := resp.Header().Get(HeaderXCorrelationID)
	require.NotEmpty(t, header)
	assert.Equal(t, header, ginValue)
	assert.Equal(t, header, ctxValue)
}

func TestCorrelationIDPropagatesExisting(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXCorrelationID, "req-42")
	resp, ginValue, ctxValue := serve(t, req)

	assert.Equal(t, "req-42", resp.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-42", ginValue)
	assert.Equal(t, "req-42", ctxValue)
}
