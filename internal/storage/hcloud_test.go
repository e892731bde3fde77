package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/require"

	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

func jsonResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func newHCloudTest(t *testing.T, mux *http.ServeMux) *HCloud {
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHCloud(HCloudOptions{Token: "test-token", Location: "fsn1", Endpoint: srv.URL})
}

func TestHCloudListVolumes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/volumes", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "cache-ns-addon-data", r.URL.Query().Get("name"))
		jsonResponse(w, http.StatusOK, schema.VolumeListResponse{
			Volumes: []schema.Volume{{ID: 42, Name: "cache-ns-addon-data", Size: 16, Status: "available"}},
		})
	})
	h := newHCloudTest(t, mux)

	vols, err := h.ListVolumes(context.Background(), VolumeFilter{Name: "cache-ns-addon-data"})
	require.NoError(t, err)
	require.Equal(t, []Volume{{ID: "42", Name: "cache-ns-addon-data", Size: 16, State: VolumeAvailable}}, vols)
}

func TestHCloudDeleteAttachedVolume(t *testing.T) {
	server := int64(7)
	mux := http.NewServeMux()
	mux.HandleFunc("/volumes/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			http.Error(w, "attached volume must not be deleted", http.StatusInternalServerError)
			return
		}
		jsonResponse(w, http.StatusOK, schema.VolumeGetResponse{
			Volume: schema.Volume{ID: 42, Name: "v", Size: 16, Status: "available", Server: &server},
		})
	})
	mux.HandleFunc("/volumes/43", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusNotFound, schema.ErrorResponse{Error: schema.Error{Code: "not_found", Message: "volume not found"}})
	})
	h := newHCloudTest(t, mux)

	err := h.DeleteVolume(context.Background(), "42")
	require.True(t, appErr.IsConflict(err))

	err = h.DeleteVolume(context.Background(), "43")
	require.True(t, appErr.IsNotFound(err))
}

func TestHCloudSnapshotsUnsupported(t *testing.T) {
	h := NewHCloud(HCloudOptions{Token: "test-token"})
	_, err := h.CreateSnapshot(context.Background(), "1", "s", "")
	require.True(t, appErr.IsCode(err, appErr.CodeUnsupported))
}
