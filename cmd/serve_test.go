package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-relay/model"
)

type emptyRetriever struct{}

func (emptyRetriever) Retrieve(context.Context, string, string) (model.StoredMessage, error) {
	return model.StoredMessage{}, nil
}

func TestNewWebServer_ReleaseMode(t *testing.T) {
	previous := gin.Mode()
	gin.SetMode(gin.DebugMode)
	t.Cleanup(func() { gin.SetMode(previous) })

	s := newWebServer(emptyRetriever{}, slog.New(slog.DiscardHandler))
	assert.Equal(t, gin.ReleaseMode, gin.Mode())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
