package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// cliEnv points every command at a scratch config path and database.
type cliEnv struct {
	config string
	db     string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	return &cliEnv{
		config: filepath.Join(dir, "casesync.yaml"),
		db:     filepath.Join(dir, "cases.db"),
	}
}

// run executes the root command and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.config, "--db", e.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// runJSON executes with --format json and decodes the response data into v.
func (e *cliEnv) runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := e.run(t, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, out)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
}

// fakeRemote is a minimal case store: creates get "<PREFIX>-<n>" ids.
type fakeRemote struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
	reject   bool
	next     int
}

func newFakeRemote(t *testing.T) (*fakeRemote, string) {
	t.Helper()
	r := &fakeRemote{}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv.URL
}

func (r *fakeRemote) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req.Method+" "+req.URL.Path)
	r.bodies = append(r.bodies, string(body))

	if r.reject {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"title is required"}`))
		return
	}
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	r.next++
	collection := strings.TrimPrefix(req.URL.Path, "/v1/")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"id":"` + strings.ToUpper(collection[:1]) + "-" + strconv.Itoa(r.next) + `"}`))
}

func (r *fakeRemote) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...), append([]string(nil), r.bodies...)
}
