package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zangezia/backupdesk/pkg/models"
)

func TestClientStartBackup(t *testing.T) {
	tests := map[string]struct {
		status int
		body   string
		expRes Result
		expErr bool
	}{
		"A successful start should be returned": {
			status: http.StatusOK,
			body:   `{"success":true,"message":"Backup started successfully"}`,
			expRes: Result{Success: true, Message: "Backup started successfully"},
		},
		"An explicit refusal is a result, not an error": {
			status: http.StatusOK,
			body:   `{"success":false,"error":"auth failed"}`,
			expRes: Result{Success: false, Error: "auth failed"},
		},
		"A server error with a JSON body is surfaced verbatim": {
			status: http.StatusInternalServerError,
			body:   `{"success":false,"error":"boom"}`,
			expRes: Result{Success: false, Error: "boom"},
		},
		"A non JSON body is a transport error": {
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var got map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/start-backup", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(test.status)
				w.Write([]byte(test.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL+"/", time.Second)
			res, err := c.StartBackup(context.Background(), StartRequest{
				ServerName:  "web1",
				Address:     "10.0.0.5",
				Credentials: json.RawMessage(`{"username":"root","password":"secret"}`),
				Paths:       []string{"/etc"},
				SessionID:   "sid-1",
			})

			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expRes, res)
			assert.Equal(t, "web1", got["serverName"])
			assert.Equal(t, "10.0.0.5", got["address"])
			assert.Equal(t, "root", got["username"])
			assert.Equal(t, "secret", got["password"])
			assert.Equal(t, "sid-1", got["sessionId"])
			assert.Equal(t, []any{"/etc"}, got["paths"])
		})
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, time.Second)
	_, err := c.TestConnection(context.Background(), "10.0.0.5", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCredentialFields(t *testing.T) {
	assert.Empty(t, credentialFields(nil))
	assert.Equal(t, map[string]any{"username": "u"}, credentialFields(json.RawMessage(`{"username":"u"}`)))

	body := credentialFields(json.RawMessage(`"opaque-token"`))
	assert.Equal(t, json.RawMessage(`"opaque-token"`), body["credentials"])
}

func TestResultFailure(t *testing.T) {
	assert.Equal(t, "e", Result{Error: "e", Message: "m"}.Failure())
	assert.Equal(t, "m", Result{Message: "m"}.Failure())
	assert.Equal(t, "unknown error", Result{}.Failure())
}

func TestClientListBackups(t *testing.T) {
	tests := map[string]struct {
		server   string
		body     string
		expQuery string
		expRes   []models.BackupArchive
		expErr   error
	}{
		"Backups of one server should be listed": {
			server:   "web 1",
			body:     `{"success":true,"backups":[{"server_name":"web 1","backup_name":"backup_web 1_20240501.zip","created_at":"2024-05-01T12:00:00","size_bytes":2097152,"size_mb":2,"files_count":12}]}`,
			expQuery: "serverId=web+1",
			expRes: []models.BackupArchive{{
				ServerName: "web 1",
				BackupName: "backup_web 1_20240501.zip",
				CreatedAt:  "2024-05-01T12:00:00",
				SizeBytes:  2097152,
				SizeMB:     2,
				FilesCount: 12,
			}},
		},
		"Without a server every backup should be listed": {
			body:   `{"success":true,"backups":[]}`,
			expRes: []models.BackupArchive{},
		},
		"A refusal should be an error": {
			server: "web1",
			body:   `{"success":false,"error":"disk unavailable"}`,
			expErr: ErrRejected,
		},
		"A non JSON body should be an error": {
			server: "web1",
			body:   `oops`,
			expErr: ErrUnavailable,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/api/get-backups", r.URL.Path)
				assert.Equal(t, test.expQuery, r.URL.RawQuery)
				w.Write([]byte(test.body))
			}))
			defer srv.Close()

			backups, err := NewClient(srv.URL, time.Second).ListBackups(context.Background(), test.server)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expRes, backups)
		})
	}
}

func TestClientDeleteBackup(t *testing.T) {
	tests := map[string]struct {
		body   string
		expErr error
	}{
		"A deleted backup should succeed": {
			body: `{"success":true,"message":"Backup deleted successfully"}`,
		},
		"A missing backup should be rejected": {
			body:   `{"success":false,"message":"Backup not found"}`,
			expErr: ErrRejected,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var got map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/api/delete-backup", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.Write([]byte(test.body))
			}))
			defer srv.Close()

			err := NewClient(srv.URL, time.Second).DeleteBackup(context.Background(), "2024-05-01T12:00:00")
			assert.Equal(t, map[string]string{"backupId": "2024-05-01T12:00:00"}, got)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				assert.Contains(t, err.Error(), "Backup not found")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestClientBackupStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/backup-status/web1", r.URL.Path)
		w.Write([]byte(`{"success":true,"status":{"status":"running","started_at":"2024-05-01T12:00:00","progress":40,"files_processed":8,"total_files":20,"data_size":1024}}`))
	}))
	defer srv.Close()

	st, err := NewClient(srv.URL, time.Second).BackupStatus(context.Background(), "web1")
	require.NoError(t, err)
	assert.Equal(t, models.ServiceBackupStatus{
		Status:         "running",
		StartedAt:      "2024-05-01T12:00:00",
		Progress:       40,
		FilesProcessed: 8,
		TotalFiles:     20,
		DataSize:       1024,
	}, st)
}
