package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentials_RoundTripAndOverwrite(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if _, ok, err := s.LoadCredentials(ctx); err != nil || ok {
		t.Fatalf("empty store: ok=%t err=%v", ok, err)
	}

	if err := s.SaveCredentials(ctx, Credentials{SSID: "home", Password: "one"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveCredentials(ctx, Credentials{SSID: "home", Password: "two"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	c, ok, err := s.LoadCredentials(ctx)
	if err != nil || !ok || c.SSID != "home" || c.Password != "two" {
		t.Fatalf("creds=%+v ok=%t err=%v", c, ok, err)
	}
}

func TestCredentials_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SaveCredentials(context.Background(), Credentials{SSID: "cafe"})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	c, ok, _ := s.LoadCredentials(context.Background())
	if !ok || c.SSID != "cafe" || c.Password != "" {
		t.Fatalf("creds=%+v ok=%t", c, ok)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Get(context.Background(), "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}
