package service

import (
	"os"
	"testing"
)

func TestPortFileLifecycle(t *testing.T) {
	dir := t.TempDir()

	if _, ok := ReadPortFile(dir, 8080); ok {
		t.Fatal("unclaimed port reported as claimed")
	}

	if err := WritePortFile(dir, 8080); err != nil {
		t.Fatal(err)
	}
	pid, ok := ReadPortFile(dir, 8080)
	if !ok || pid != os.Getpid() {
		t.Fatalf("ReadPortFile = %d, %v", pid, ok)
	}

	RemovePortFile(dir, 8080)
	if _, ok := ReadPortFile(dir, 8080); ok {
		t.Fatal("port file survived removal")
	}
	// Removing again is harmless.
	RemovePortFile(dir, 8080)
}
