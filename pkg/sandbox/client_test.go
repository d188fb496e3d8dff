package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPythonDecodesExecution(t *testing.T) {
	var gotBody executeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, "Bearer sb-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"results": [
				{"text": "42"},
				{"png": "aGVsbG8="}
			],
			"logs": {"stdout": ["computing", "42"], "stderr": []}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sb-key", nil)
	exec, err := client.RunPython(context.Background(), "print(6*7)", 15*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "print(6*7)", gotBody.Code)
	assert.Equal(t, "python", gotBody.Language)
	assert.Equal(t, int64(15000), gotBody.TimeoutMs)

	require.Len(t, exec.Results, 2)
	assert.Equal(t, "42", exec.Results[0].Text)
	assert.Equal(t, "aGVsbG8=", exec.Results[1].PNG)
	assert.Equal(t, []string{"computing", "42"}, exec.Logs.Stdout)
	assert.Nil(t, exec.Error)
}

func TestRunPythonSurfacesPythonError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"results": [],
			"logs": {"stdout": [], "stderr": ["Traceback (most recent call last):"]},
			"error": {"name": "ZeroDivisionError", "value": "division by zero"}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", nil)
	exec, err := client.RunPython(context.Background(), "1/0", time.Second)
	require.NoError(t, err, "python failures are data, not transport errors")

	require.NotNil(t, exec.Error)
	assert.Equal(t, "ZeroDivisionError", exec.Error.Name)
	assert.Equal(t, "division by zero", exec.Error.Value)
}

func TestRunPythonRejectsEmptyCode(t *testing.T) {
	client := NewClient("http://localhost:0", "k", nil)
	_, err := client.RunPython(context.Background(), "  ", time.Second)
	assert.ErrorContains(t, err, "code is required")
}

func TestRunPythonUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "kernel pool exhausted", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", nil)
	_, err := client.RunPython(context.Background(), "print(1)", time.Second)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "kernel pool exhausted")
}

func TestRunPythonConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, "k", nil)
	_, err := client.RunPython(context.Background(), "print(1)", time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRunPythonTimeoutStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", nil)
	_, err := client.RunPython(context.Background(), "while True: pass", time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunPythonCancelledCaller(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	client := NewClient(server.URL, "k", nil)
	_, err := client.RunPython(ctx, "print(1)", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}
