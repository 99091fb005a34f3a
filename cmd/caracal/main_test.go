package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"caracal", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "USAGE")
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "verify")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"caracal", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command: bogus")
}

func TestHealthCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := runHealthCmd([]string{srv.URL}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), `"status":"ok"`)
}

func TestHealthCmdUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := runHealthCmd([]string{srv.URL}, &out, &errOut)
	assert.Equal(t, 1, code)
}

func TestReplayRequiresGroup(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runReplayCmd(nil, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--group is required")
}
