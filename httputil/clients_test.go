package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape_runs/config"
	"scrape_runs/queue"
)

func TestJobsClientRefusesLoopbackDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("INTERNAL-METADATA"))
	}))
	defer srv.Close()

	clients := NewClients(config.ProxyConfig{})

	_, err := clients.Jobs.Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrAdmissionRejected)

	resp, err := clients.Scraping.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
}
