package receiver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRenameBackupPolicy(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "x.txt")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	writeTo, err := RenameBackupPolicy{}.Resolve(dest, "zzz")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if writeTo != dest {
		t.Fatalf("writeTo = %q, want original dest %q", writeTo, dest)
	}
	backup := filepath.Join(dir, "x.txt-zzz")
	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("expected backup at %q: %v", backup, err)
	}
	if string(data) != "old" {
		t.Fatalf("backup contents = %q, want %q", data, "old")
	}
}

func TestRenameBackupPolicyDisambiguates(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "x.txt")
	os.WriteFile(dest, []byte("old"), 0o644)
	os.WriteFile(filepath.Join(dir, "x.txt-zzz"), []byte("first backup"), 0o644)

	if _, err := RenameBackupPolicy{}.Resolve(dest, "zzz"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.txt-zzz-0")); err != nil {
		t.Fatalf("expected disambiguated backup: %v", err)
	}
}

func TestAutoRenamePolicy(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "x.txt")
	os.WriteFile(dest, []byte("old"), 0o644)

	writeTo, err := AutoRenamePolicy{}.Resolve(dest, "zzz")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(dir, "x-1.txt")
	if writeTo != want {
		t.Fatalf("writeTo = %q, want %q", writeTo, want)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "old" {
		t.Fatalf("original file was modified: %v %q", err, data)
	}
}

func TestAutoRenameNoCollision(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "new.txt")
	writeTo, err := AutoRenamePolicy{}.Resolve(dest, "zzz")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if writeTo != dest {
		t.Fatalf("writeTo = %q, want unchanged %q", writeTo, dest)
	}
}
