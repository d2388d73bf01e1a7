package cursor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFilePersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "receipts.cursor")

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	pos, _ := f.Load()
	if !pos.IsZero() {
		t.Fatalf("fresh cursor = %+v, want zero", pos)
	}

	want := Position{Validity: 1700000000, UID: 42}
	if err := f.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := NewFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, _ := reopened.Load()
	if got != want {
		t.Fatalf("reloaded %+v, want %+v", got, want)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestFileRejectsCorruptState(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "empty", content: ""},
		{name: "valid", content: "7 9\n"},
		{name: "one field", content: "7\n", wantErr: true},
		{name: "not a number", content: "seven 9\n", wantErr: true},
		{name: "overflow", content: "7 99999999999\n", wantErr: true},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := NewFile(path)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMemory(t *testing.T) {
	var m Memory
	if err := m.Save(Position{Validity: 1, UID: 2}); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Load(); got.UID != 2 {
		t.Fatalf("got %+v", got)
	}
}
