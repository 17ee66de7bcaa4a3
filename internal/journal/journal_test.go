package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMemory(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id1, err := db.Record(Entry{Role: RoleAgent, Node: "n1", Peer: "127.0.0.1:40000", Seq: 1, Status: StatusOK,
		RequestBytes: 32, ReplyBytes: 48, StartedAt: base, Duration: 3 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if id1 == "" {
		t.Fatal("expected generated id")
	}
	id2, err := db.Record(Entry{ID: "fixed", Role: RoleClient, Seq: 2, Status: StatusCrypto,
		Error: "crypto: invalid padding", StartedAt: base.Add(100 * time.Millisecond)})
	if err != nil {
		t.Fatal(err)
	}
	if id2 != "fixed" {
		t.Fatalf("id: %q", id2)
	}

	list, err := db.Recent(10)
	if err != nil || len(list) != 2 {
		t.Fatalf("Recent: %v len=%d", err, len(list))
	}
	if list[0].ID != "fixed" || list[1].ID != id1 {
		t.Fatalf("order: %q %q", list[0].ID, list[1].ID)
	}
	e := list[1]
	if e.Role != RoleAgent || e.Node != "n1" || e.Seq != 1 || e.RequestBytes != 32 || e.ReplyBytes != 48 {
		t.Fatalf("entry: %+v", e)
	}
	if !e.StartedAt.Equal(base) || e.Duration != 3*time.Millisecond {
		t.Fatalf("times: %v %v", e.StartedAt, e.Duration)
	}
	if list[0].Error != "crypto: invalid padding" {
		t.Fatalf("error: %q", list[0].Error)
	}
}

func TestRecordDuplicateID(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Record(Entry{ID: "dup", Role: RoleAgent, Status: StatusOK}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Record(Entry{ID: "dup", Role: RoleAgent, Status: StatusOK}); err == nil {
		t.Fatal("expected error on duplicate id")
	}
}

func TestCountByStatusAndPrune(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		_, _ = db.Record(Entry{Role: RoleAgent, Status: StatusOK})
	}
	_, _ = db.Record(Entry{Role: RoleAgent, Status: StatusBadFrame, StartedAt: old})

	counts, err := db.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusOK] != 3 || counts[StatusBadFrame] != 1 {
		t.Fatalf("counts: %v", counts)
	}

	n, err := db.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune: n=%d err=%v", n, err)
	}
	counts, _ = db.CountByStatus()
	if counts[StatusBadFrame] != 0 {
		t.Fatalf("old entry not pruned: %v", counts)
	}
}
