package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// FindProjectRoot walks up from the caller's source file to the directory holding go.mod
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	return findGoMod(filepath.Dir(filename))
}

func findGoMod(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// BuildBinary compiles the contentsyncd command into a temporary directory and
// returns the binary's path.
func BuildBinary(t *testing.T) string {
	t.Helper()

	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to get caller information")
	}
	root, err := findGoMod(filepath.Dir(filename))
	if err != nil {
		t.Fatalf("find project root: %v", err)
	}

	bin := filepath.Join(t.TempDir(), "contentsyncd")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/contentsyncd")
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}
	return bin
}
