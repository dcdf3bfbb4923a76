package store

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestBackend(t *testing.T) *BboltBackend {
	t.Helper()
	b, err := NewBboltBackend(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	b := openTestBackend(t)

	snap := &SessionSnapshot{
		ClientID:      "sensor-17",
		Subscriptions: []Subscription{{Filter: "a/#", QoS: 1}},
		Queued:        []Message{{Topic: "a/b", Payload: []byte("p"), QoS: 1}},
	}
	if err := b.SaveSession(snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	snaps, err := b.LoadSessions()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	got := snaps[0]
	if got.ClientID != "sensor-17" || len(got.Subscriptions) != 1 || got.Subscriptions[0].Filter != "a/#" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if len(got.Queued) != 1 || !bytes.Equal(got.Queued[0].Payload, []byte("p")) {
		t.Fatalf("queued messages not preserved: %+v", got.Queued)
	}

	if err := b.DeleteSession("sensor-17"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	snaps, err = b.LoadSessions()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected empty store after delete, got %d", len(snaps))
	}
}

func TestRetainedLastWriterWins(t *testing.T) {
	b := openTestBackend(t)

	if err := b.SaveRetained(&RetainedMessage{Topic: "t", Payload: []byte("old"), QoS: 0}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := b.SaveRetained(&RetainedMessage{Topic: "t", Payload: []byte("new"), QoS: 1}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	msgs, err := b.LoadRetained()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "new" || msgs[0].QoS != 1 {
		t.Fatalf("expected last write to win, got %+v", msgs)
	}

	if err := b.DeleteRetained("t"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msgs, err = b.LoadRetained()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected retained entry cleared, got %+v", msgs)
	}
}
