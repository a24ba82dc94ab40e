package process

import (
	"os"
	"path/filepath"
	"testing"

	"orbishost/internal/plugin/manifest"
)

func TestWorkerArgv(t *testing.T) {
	t.Run("exec line wins over native entry", func(t *testing.T) {
		mf := &manifest.PluginManifest{
			Name:        "demo",
			NativeEntry: "/opt/native",
			Exec:        "/opt/plugin --verbose",
		}
		argv, err := workerArgv(mf, "", "")
		if err != nil {
			t.Fatalf("workerArgv() error = %v", err)
		}
		if argv[0] != "/opt/plugin" || argv[1] != "--verbose" {
			t.Errorf("argv = %v", argv)
		}
	})

	t.Run("wasm entry needs a worker binary", func(t *testing.T) {
		mf := &manifest.PluginManifest{Name: "demo", WasmEntry: "plugin.wasm"}
		if _, err := workerArgv(mf, "", ""); err == nil {
			t.Error("wasm entry without worker binary should fail")
		}

		argv, err := workerArgv(mf, "", "/usr/bin/plugin-worker")
		if err != nil {
			t.Fatalf("workerArgv() error = %v", err)
		}
		want := []string{"/usr/bin/plugin-worker", "--plugin", "plugin.wasm"}
		for i := range want {
			if argv[i] != want[i] {
				t.Fatalf("argv = %v, want %v", argv, want)
			}
		}
	})

	t.Run("relative entry without payload is rejected", func(t *testing.T) {
		mf := &manifest.PluginManifest{Name: "demo", NativeEntry: "bin/runner"}
		if _, err := workerArgv(mf, "", ""); err == nil {
			t.Error("relative entry with no staged payload should fail")
		}
	})

	t.Run("bare command resolves through PATH", func(t *testing.T) {
		mf := &manifest.PluginManifest{Name: "demo", NativeEntry: "python3"}
		argv, err := workerArgv(mf, "", "")
		if err != nil {
			t.Fatalf("workerArgv() error = %v", err)
		}
		if argv[0] != "python3" {
			t.Errorf("argv[0] = %s, want python3", argv[0])
		}
	})
}

func TestResolveEntry(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if got := resolveEntry("/abs/entry", dir); got != "/abs/entry" {
		t.Errorf("absolute entry = %s, want unchanged", got)
	}
	if got := resolveEntry("entry", ""); got != "entry" {
		t.Errorf("entry without payload = %s, want unchanged", got)
	}
	if got := resolveEntry("whatever", file); got != file {
		t.Errorf("staged file = %s, want the payload itself", got)
	}
	if got := resolveEntry("bin/runner", dir); got != filepath.Join(dir, "bin/runner") {
		t.Errorf("staged dir = %s, want joined path", got)
	}
}
