// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"

	"github.com/tjfontaine/eventrelay/internal/transport"
)

// NewVCRRecorder opens testdata/fixtures/<cassetteName>.yaml for replay, or
// for recording when VCR_MODE=record. The recorder is stopped on test cleanup.
func NewVCRRecorder(t *testing.T, cassetteName string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("failed to create VCR recorder: %v", err)
	}

	// Bodies carry timestamps and session ids, so match on method and URL only.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("failed to stop VCR recorder: %v", err)
		}
	})

	return r
}

// VCRTransport returns a relay transport that replays the named cassette.
func VCRTransport(t *testing.T, cassetteName string) *transport.Client {
	t.Helper()
	r := NewVCRRecorder(t, cassetteName)
	return transport.NewClient(transport.WithHTTPClient(&http.Client{Transport: r}))
}
