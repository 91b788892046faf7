package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewJSONWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("command", "change_node")).Info(context.Background(), "applied",
		Int("links", 2),
		Bool("quick_kill", true),
		Err(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "applied" || rec["command"] != "change_node" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["links"] != float64(2) || rec["quick_kill"] != true || rec["error"] != "boom" {
		t.Fatalf("fields not recorded: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	log.Warn(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("warn not logged at warn level")
	}
}

func TestGestureIDIsStable(t *testing.T) {
	ctx, id := EnsureGestureID(context.Background())
	if id == "" {
		t.Fatalf("expected a gesture id")
	}
	ctx2, id2 := EnsureGestureID(ctx)
	if id2 != id || GestureIDFromContext(ctx2) != id {
		t.Fatalf("gesture id changed: %q -> %q", id, id2)
	}

	var buf bytes.Buffer
	ctx3, log := WithGestureLogger(ctx, New(Config{Format: "json", Output: &buf}))
	log.Info(ctx3, "x")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["gesture_id"] != id {
		t.Fatalf("gesture_id = %v, want %q", rec["gesture_id"], id)
	}
}

func TestFromContextOrFindsGestureLogger(t *testing.T) {
	var base, gesture bytes.Buffer
	fallback := New(Config{Format: "json", Output: &base})
	if FromContextOr(context.Background(), nil) == nil {
		t.Fatalf("FromContextOr must never return nil")
	}
	if FromContextOr(context.Background(), fallback) != fallback {
		t.Fatalf("bare context should fall back to base")
	}

	ctx, _ := WithGestureLogger(context.Background(), New(Config{Format: "json", Output: &gesture}))
	FromContextOr(ctx, fallback).Warn(ctx, "relayout cancelled", Duration("after", 1500*time.Millisecond))
	if base.Len() != 0 {
		t.Fatalf("line went to the fallback logger: %q", base.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(gesture.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["gesture_id"] != GestureIDFromContext(ctx) || rec["after"] != float64(1500*time.Millisecond) {
		t.Fatalf("record = %v", rec)
	}
}
