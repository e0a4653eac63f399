package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestDriverIDGeneratesWhenAbsent(t *testing.T) {
	id := DriverID(context.Background())
	if id == "" {
		t.Fatal("expected a generated id")
	}
}

func TestDriverIDRoundTripsThroughContext(t *testing.T) {
	ctx := WithDriverID(context.Background(), "driver-7")
	if got := DriverID(ctx); got != "driver-7" {
		t.Fatalf("expected driver-7, got %q", got)
	}
}

func TestNewJSONWritesToBuffer(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: "json", Output: "buffer", Buffer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello")
	if buf.Len() == 0 {
		t.Fatal("expected a log line in the buffer")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if decoded["msg"] != "hello" {
		t.Fatalf("unexpected msg field: %v", decoded["msg"])
	}
}

func TestNewBufferWithoutBufferErrors(t *testing.T) {
	if _, err := New(Options{Output: "buffer"}); err == nil {
		t.Fatal("expected an error when output is buffer but no Buffer is set")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestNewDiscardsToNone(t *testing.T) {
	logger, err := New(Options{Output: "none"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("this goes nowhere")
}

func TestInitIsIdempotent(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	if err := Init(Options{Output: "buffer", Buffer: &buf1}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	_ = Init(Options{Output: "buffer", Buffer: &buf2})
	L().Info("only the first sink should receive this")
	if buf1.Len() == 0 {
		t.Fatal("expected the first Init call to win")
	}
	if buf2.Len() != 0 {
		t.Fatal("expected the second Init call to be ignored")
	}
}

func TestParseLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Output: "buffer", Buffer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatal("expected info level to be filtered out under a warn threshold")
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatal("expected the warn line to pass through")
	}
}
