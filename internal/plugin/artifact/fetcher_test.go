package artifact_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"orbishost/internal/common/storage"
	"orbishost/internal/plugin/artifact"
	"orbishost/internal/plugin/manifest"
	appErr "orbishost/pkg/errors"
)

type fakeStore struct {
	objects map[string][]byte
}

func (s *fakeStore) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := s.objects[key]
	if !ok {
		return storage.ObjectStat{}, errors.New("object not found")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (s *fakeStore) PutObject(ctx context.Context, bucket, key string, reader storage.ObjectReader, sizeBytes int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.objects[key] = data
	return nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd.NewWriter() error = %v", err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("compress write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress close: %v", err)
	}
	return buf.Bytes()
}

func bundle(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o755, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return compress(t, raw.Bytes())
}

func newFetcher(t *testing.T, store storage.ObjectStorage, cfg artifact.Config) *artifact.Fetcher {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	f, err := artifact.NewFetcher(store, cfg)
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	return f
}

func TestFetch_BareBinary(t *testing.T) {
	payload := []byte("#!/bin/sh\necho worker\n")
	store := &fakeStore{objects: map[string][]byte{"plugins/echo/worker": payload}}
	f := newFetcher(t, store, artifact.Config{Bucket: "plugins"})

	m := &manifest.PluginManifest{
		Name:           "echo",
		ArtifactKey:    "plugins/echo/worker",
		ArtifactDigest: digestOf(payload),
	}
	path, err := f.Fetch(context.Background(), m)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if filepath.Base(path) != "worker" {
		t.Errorf("Fetch() = %s, want path ending in worker", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged binary: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("staged binary content differs from payload")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat staged binary: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Errorf("staged binary mode = %v, want executable", info.Mode())
	}
}

func TestFetch_DigestMismatch(t *testing.T) {
	payload := []byte("worker bytes")
	store := &fakeStore{objects: map[string][]byte{"plugins/echo/worker": payload}}
	dir := t.TempDir()
	f := newFetcher(t, store, artifact.Config{Bucket: "plugins", Dir: dir})

	m := &manifest.PluginManifest{
		Name:           "echo",
		ArtifactKey:    "plugins/echo/worker",
		ArtifactDigest: strings.Repeat("ab", 32),
	}
	_, err := f.Fetch(context.Background(), m)
	if !appErr.Is(err, appErr.DigestMismatch) {
		t.Fatalf("Fetch() error = %v, want code %d", err, appErr.DigestMismatch)
	}
	if _, err := os.Stat(filepath.Join(dir, "echo", "worker")); !os.IsNotExist(err) {
		t.Error("rejected artifact was staged, want nothing at the target path")
	}
}

func TestFetch_CompressedBinary(t *testing.T) {
	payload := []byte("native worker machine code")
	compressed := compress(t, payload)
	store := &fakeStore{objects: map[string][]byte{"plugins/echo/worker.zst": compressed}}
	f := newFetcher(t, store, artifact.Config{Bucket: "plugins"})

	m := &manifest.PluginManifest{
		Name:           "echo",
		ArtifactKey:    "plugins/echo/worker.zst",
		ArtifactDigest: digestOf(compressed),
	}
	path, err := f.Fetch(context.Background(), m)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if filepath.Base(path) != "worker" {
		t.Errorf("Fetch() = %s, want decompressed worker path", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged binary: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("decompressed content differs from payload")
	}
}

func TestFetch_Bundle(t *testing.T) {
	files := map[string][]byte{
		"bin/worker":       []byte("binary"),
		"data/config.yaml": []byte("interval: 30\n"),
	}
	packed := bundle(t, files)
	store := &fakeStore{objects: map[string][]byte{"plugins/echo/1.0.0.tar.zst": packed}}
	f := newFetcher(t, store, artifact.Config{Bucket: "plugins"})

	m := &manifest.PluginManifest{
		Name:           "echo",
		ArtifactKey:    "plugins/echo/1.0.0.tar.zst",
		ArtifactDigest: digestOf(packed),
	}
	path, err := f.Fetch(context.Background(), m)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(path, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("bundle file %s content differs", name)
		}
	}
}

func TestFetch_BundleEscapeRejected(t *testing.T) {
	packed := bundle(t, map[string][]byte{"../evil": []byte("payload")})
	store := &fakeStore{objects: map[string][]byte{"plugins/echo/1.0.0.tar.zst": packed}}
	dir := t.TempDir()
	f := newFetcher(t, store, artifact.Config{Bucket: "plugins", Dir: dir})

	m := &manifest.PluginManifest{
		Name:           "echo",
		ArtifactKey:    "plugins/echo/1.0.0.tar.zst",
		ArtifactDigest: digestOf(packed),
	}
	_, err := f.Fetch(context.Background(), m)
	if !appErr.Is(err, appErr.ArtifactFetchFailed) {
		t.Fatalf("Fetch() error = %v, want code %d", err, appErr.ArtifactFetchFailed)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil")); !os.IsNotExist(err) {
		t.Error("escaping entry was written outside the staging dir")
	}
}

func TestFetch_LocalFile(t *testing.T) {
	payload := []byte("local dev worker")
	src := filepath.Join(t.TempDir(), "worker")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write local artifact: %v", err)
	}
	f := newFetcher(t, nil, artifact.Config{})

	m := &manifest.PluginManifest{
		Name:           "echo",
		ArtifactKey:    "file://" + src,
		ArtifactDigest: digestOf(payload),
	}
	path, err := f.Fetch(context.Background(), m)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged binary: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("staged binary content differs from local source")
	}
}

func TestFetch_MissingObject(t *testing.T) {
	f := newFetcher(t, &fakeStore{objects: map[string][]byte{}}, artifact.Config{Bucket: "plugins"})

	m := &manifest.PluginManifest{
		Name:           "echo",
		ArtifactKey:    "plugins/ghost/worker",
		ArtifactDigest: strings.Repeat("ab", 32),
	}
	if _, err := f.Fetch(context.Background(), m); !appErr.Is(err, appErr.ArtifactNotFound) {
		t.Errorf("Fetch() error = %v, want code %d", err, appErr.ArtifactNotFound)
	}
}

func TestFetch_Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	payload := []byte("signed worker")
	digest := digestOf(payload)
	digestRaw, _ := hex.DecodeString(digest)
	signature := hex.EncodeToString(ed25519.Sign(priv, digestRaw))

	store := &fakeStore{objects: map[string][]byte{"plugins/echo/worker": payload}}
	cfg := artifact.Config{Bucket: "plugins", TrustKey: hex.EncodeToString(pub)}

	t.Run("valid signature", func(t *testing.T) {
		f := newFetcher(t, store, cfg)
		m := &manifest.PluginManifest{
			Name:           "echo",
			ArtifactKey:    "plugins/echo/worker",
			ArtifactDigest: digest,
			Signature:      signature,
		}
		if _, err := f.Fetch(context.Background(), m); err != nil {
			t.Errorf("Fetch() error = %v, want nil", err)
		}
	})

	t.Run("tampered signature", func(t *testing.T) {
		f := newFetcher(t, store, cfg)
		bad := []byte(signature)
		if bad[0] == 'a' {
			bad[0] = 'b'
		} else {
			bad[0] = 'a'
		}
		m := &manifest.PluginManifest{
			Name:           "echo",
			ArtifactKey:    "plugins/echo/worker",
			ArtifactDigest: digest,
			Signature:      string(bad),
		}
		if _, err := f.Fetch(context.Background(), m); !appErr.Is(err, appErr.InvalidSignature) {
			t.Errorf("Fetch() error = %v, want code %d", err, appErr.InvalidSignature)
		}
	})

	t.Run("unsigned artifact", func(t *testing.T) {
		f := newFetcher(t, store, cfg)
		m := &manifest.PluginManifest{
			Name:           "echo",
			ArtifactKey:    "plugins/echo/worker",
			ArtifactDigest: digest,
		}
		if _, err := f.Fetch(context.Background(), m); !appErr.Is(err, appErr.UntrustedPlugin) {
			t.Errorf("Fetch() error = %v, want code %d", err, appErr.UntrustedPlugin)
		}
	})

	t.Run("no trust key skips verification", func(t *testing.T) {
		f := newFetcher(t, store, artifact.Config{Bucket: "plugins"})
		m := &manifest.PluginManifest{
			Name:           "echo",
			ArtifactKey:    "plugins/echo/worker",
			ArtifactDigest: digest,
		}
		if _, err := f.Fetch(context.Background(), m); err != nil {
			t.Errorf("Fetch() error = %v, want nil", err)
		}
	})
}

func TestNewFetcher_Validation(t *testing.T) {
	if _, err := artifact.NewFetcher(nil, artifact.Config{}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Errorf("NewFetcher() without dir error = %v, want code %d", err, appErr.ValidationFailed)
	}
	if _, err := artifact.NewFetcher(nil, artifact.Config{Dir: t.TempDir(), TrustKey: "zz"}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Errorf("NewFetcher() bad trust key error = %v, want code %d", err, appErr.ValidationFailed)
	}
}
