// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMemoryEventStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore(nil)

	for i := range 5 {
		idx, err := store.Append(ctx, "s1", 1, []byte(fmt.Sprintf("event-%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		if idx != i {
			t.Fatalf("Append returned index %d, want %d", idx, i)
		}
	}

	var got []string
	for data, err := range store.After(ctx, "s1", 1, 2) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(data))
	}
	want := []string{"event-2", "event-3", "event-4"}
	if len(got) != len(want) {
		t.Fatalf("After returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("After[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Unknown streams and sessions replay nothing.
	for _, err := range store.After(ctx, "s1", 99, 0) {
		if err != nil {
			t.Fatal(err)
		}
		t.Error("unexpected event on unknown stream")
	}

	if err := store.SessionClosed(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	for _, err := range store.After(ctx, "s1", 1, 0) {
		if err != nil {
			t.Fatal(err)
		}
		t.Error("unexpected event after SessionClosed")
	}
}

func TestMemoryEventStoreEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore(&MemoryEventStoreOptions{MaxEventsPerStream: 3})

	for i := range 5 {
		if _, err := store.Append(ctx, "s", 0, []byte(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	// Events 0 and 1 were evicted; replay from within the retained window
	// still works.
	var got []string
	for data, err := range store.After(ctx, "s", 0, 3) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(data))
	}
	if len(got) != 2 || got[0] != "e3" || got[1] != "e4" {
		t.Errorf("After(3) = %v, want [e3 e4]", got)
	}

	// Replay reaching into the evicted range fails.
	var gotErr error
	for _, err := range store.After(ctx, "s", 0, 1) {
		if err != nil {
			gotErr = err
			break
		}
	}
	if !errors.Is(gotErr, ErrEventsPurged) {
		t.Errorf("After(1) error = %v, want ErrEventsPurged", gotErr)
	}
}

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	if state, err := store.Load(ctx, "none"); err != nil || state != nil {
		t.Fatalf("Load(missing) = %v, %v; want nil, nil", state, err)
	}

	state := &SessionState{
		InitializeParams: &InitializeParams{ProtocolVersion: latestProtocolVersion},
		ProtocolVersion:  latestProtocolVersion,
		LogLevel:         "warning",
		Subscriptions:    []string{"file:///a"},
	}
	if err := store.Store(ctx, "s1", state); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProtocolVersion != state.ProtocolVersion || got.LogLevel != "warning" ||
		len(got.Subscriptions) != 1 || got.Subscriptions[0] != "file:///a" {
		t.Errorf("Load = %+v, want %+v", got, state)
	}

	// A nil state deletes.
	if err := store.Store(ctx, "s1", nil); err != nil {
		t.Fatal(err)
	}
	if state, err := store.Load(ctx, "s1"); err != nil || state != nil {
		t.Fatalf("Load(deleted) = %v, %v; want nil, nil", state, err)
	}

	if err := store.Delete(ctx, "absent"); err != nil {
		t.Fatalf("Delete(absent) = %v, want nil", err)
	}
}
