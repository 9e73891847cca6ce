package creds

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradegate/internal/broker"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	want := broker.Credentials{
		APIKey:       "key",
		APISecret:    "secret",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := s.Store("saxo", want); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, found, err := s.Load("saxo")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.APIKey != want.APIKey || got.AccessToken != want.AccessToken ||
		got.RefreshToken != want.RefreshToken || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadMissingBroker(t *testing.T) {
	t.Parallel()

	s, _ := NewFileStore(t.TempDir())
	_, found, err := s.Load("ghost")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Error("missing blob reported as found")
	}
}

func TestStoreFilePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	if err := s.Store("zerodha", broker.Credentials{APIKey: "k"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "zerodha.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestStoreOverwrites(t *testing.T) {
	t.Parallel()

	s, _ := NewFileStore(t.TempDir())
	s.Store("alpaca", broker.Credentials{APIKey: "old"})
	s.Store("alpaca", broker.Credentials{APIKey: "new"})

	got, found, err := s.Load("alpaca")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.APIKey != "new" {
		t.Errorf("api key = %q", got.APIKey)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := NewFileStore(t.TempDir())
	s.Store("zerodha", broker.Credentials{APIKey: "k"})

	if err := s.Delete("zerodha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := s.Load("zerodha"); found {
		t.Error("blob survived delete")
	}
	if err := s.Delete("zerodha"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestCorruptBlobSurfacesError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	os.WriteFile(filepath.Join(dir, "saxo.json"), []byte("{not json"), 0o600)

	if _, _, err := s.Load("saxo"); err == nil {
		t.Error("corrupt blob must surface an error")
	}
}
