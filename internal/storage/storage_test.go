package storage

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"
)

func TestMemoryWindowSliceAliases(t *testing.T) {
	w := NewMemoryWindow(16)
	s, err := w.Slice(4, 8)
	if err != nil {
		t.Fatal(err)
	}
	copy(s, "delta-ok")

	s2, err := w.Slice(4, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s2, []byte("delta-ok")) {
		t.Errorf("got %q, want %q", s2, "delta-ok")
	}
}

func TestMemoryWindowOutOfRange(t *testing.T) {
	w := NewMemoryWindow(16)
	if _, err := w.Slice(10, 10); err == nil {
		t.Fatal("expected out-of-range error, got nil")
	}
	if _, err := w.Slice(17, 0); err == nil {
		t.Fatal("expected out-of-range error, got nil")
	}
}

func TestMappedWindowRoundTrip(t *testing.T) {
	f, err := ioutil.TempFile("", "deltafs-storage")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if err := f.Truncate(4096); err != nil {
		t.Fatal(err)
	}
	f.Close()

	w, err := OpenMapped(f.Name(), 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	s, err := w.Slice(0, 5)
	if err != nil {
		t.Fatal(err)
	}
	copy(s, "hello")
	if err := w.Sync(0, 5); err != nil {
		t.Fatal(err)
	}

	w2, err := OpenMapped(f.Name(), 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()
	s2, err := w2.Slice(0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s2, []byte("hello")) {
		t.Errorf("got %q, want %q", s2, "hello")
	}
}

func TestMappedWindowTooSmall(t *testing.T) {
	f, err := ioutil.TempFile("", "deltafs-storage")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if err := f.Truncate(10); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := OpenMapped(f.Name(), 4096); err == nil {
		t.Fatal("expected error opening undersized window, got nil")
	}
}
