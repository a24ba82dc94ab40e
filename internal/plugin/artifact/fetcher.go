package artifact

import (
	"archive/tar"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"orbishost/internal/common/storage"
	"orbishost/internal/plugin/manifest"
	appErr "orbishost/pkg/errors"
)

const (
	localScheme  = "file://"
	tempFileName = ".download"
)

// Config wires the fetcher to its object store and staging directory.
// TrustKey, when set, is a hex ed25519 public key; every artifact must
// then carry a signature over its sha256 digest.
type Config struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Dir      string `yaml:"dir" json:"dir"`
	TrustKey string `yaml:"trust_key,omitempty" json:"trust_key,omitempty"`
}

// Fetcher stages worker payloads: pulls the artifact from object
// storage (or a local file:// source), verifies digest and signature,
// and unpacks it under the plugin staging directory.
type Fetcher struct {
	store    storage.ObjectStorage
	bucket   string
	dir      string
	trustKey ed25519.PublicKey
}

// NewFetcher creates a fetcher. The object store may be nil when every
// manifest uses file:// sources.
func NewFetcher(store storage.ObjectStorage, cfg Config) (*Fetcher, error) {
	if cfg.Dir == "" {
		return nil, appErr.ValidationError("dir", "required")
	}
	f := &Fetcher{store: store, bucket: cfg.Bucket, dir: cfg.Dir}
	if cfg.TrustKey != "" {
		raw, err := hex.DecodeString(cfg.TrustKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, appErr.ValidationError("trust_key", "must be a hex ed25519 public key")
		}
		f.trustKey = ed25519.PublicKey(raw)
	}
	return f, nil
}

// Fetch stages the plugin's artifact and returns the staged path: the
// unpacked directory for .tar.zst bundles, the worker binary for
// single-file payloads. The staging directory for the plugin is
// recreated on every fetch.
func (f *Fetcher) Fetch(ctx context.Context, m *manifest.PluginManifest) (string, error) {
	if m == nil || m.ArtifactKey == "" {
		return "", appErr.ValidationError("artifact_key", "required")
	}

	destDir := filepath.Join(f.dir, m.Name)
	if err := os.RemoveAll(destDir); err != nil {
		return "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "cleanup staging dir failed")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create staging dir failed")
	}

	tempPath := filepath.Join(destDir, tempFileName)
	digest, err := f.download(ctx, m.ArtifactKey, tempPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(tempPath)

	if !strings.EqualFold(digest, m.ArtifactDigest) {
		return "", appErr.Newf(appErr.DigestMismatch,
			"artifact digest %s does not match manifest %s", digest, m.ArtifactDigest)
	}
	if err := f.verifySignature(m, digest); err != nil {
		return "", err
	}

	return stagePayload(m.ArtifactKey, tempPath, destDir)
}

// download copies the artifact to dstPath and returns its sha256 hex.
// file:// sources read the local filesystem, everything else goes
// through the object store.
func (f *Fetcher) download(ctx context.Context, key, dstPath string) (string, error) {
	var reader io.ReadCloser
	if local, ok := strings.CutPrefix(key, localScheme); ok {
		file, err := os.Open(local)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.ArtifactNotFound, "open local artifact %s failed", local)
		}
		reader = file
	} else {
		if f.store == nil {
			return "", appErr.New(appErr.ArtifactFetchFailed).WithMessage("object storage is not configured")
		}
		if _, err := f.store.StatObject(ctx, f.bucket, key); err != nil {
			return "", appErr.Wrapf(err, appErr.ArtifactNotFound, "artifact %s not found", key)
		}
		obj, err := f.store.GetObject(ctx, f.bucket, key)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "download artifact %s failed", key)
		}
		reader = obj
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create artifact file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)
	if _, err := io.Copy(file, tee); err != nil {
		return "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "write artifact file failed")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// verifySignature checks the manifest's ed25519 signature over the
// artifact's sha256 digest bytes. Only enforced when a trust key is
// pinned; then an unsigned artifact never starts.
func (f *Fetcher) verifySignature(m *manifest.PluginManifest, digest string) error {
	if f.trustKey == nil {
		return nil
	}
	if m.Signature == "" {
		return appErr.SecurityError(m.Name, "artifact is unsigned")
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidSignature, "decode signature failed")
	}
	digestRaw, err := hex.DecodeString(digest)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidSignature, "decode digest failed")
	}
	if !ed25519.Verify(f.trustKey, digestRaw, sig) {
		return appErr.Newf(appErr.InvalidSignature, "plugin %s artifact signature rejected", m.Name)
	}
	return nil
}

// stagePayload turns the verified download into its final form under
// destDir. Bundles unpack, compressed binaries decompress, bare
// binaries move into place. Worker binaries are made executable.
func stagePayload(key, tempPath, destDir string) (string, error) {
	base := filepath.Base(strings.TrimPrefix(key, localScheme))
	switch {
	case strings.HasSuffix(base, ".tar.zst"):
		if err := extractBundle(tempPath, destDir); err != nil {
			return "", err
		}
		return destDir, nil
	case strings.HasSuffix(base, ".zst"):
		target := filepath.Join(destDir, strings.TrimSuffix(base, ".zst"))
		if err := decompressFile(tempPath, target); err != nil {
			return "", err
		}
		if err := os.Chmod(target, 0o755); err != nil {
			return "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "mark worker executable failed")
		}
		return target, nil
	default:
		target := filepath.Join(destDir, base)
		if err := os.Rename(tempPath, target); err != nil {
			return "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "stage worker binary failed")
		}
		if err := os.Chmod(target, 0o755); err != nil {
			return "", appErr.Wrapf(err, appErr.ArtifactFetchFailed, "mark worker executable failed")
		}
		return target, nil
	}
}

func decompressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "open artifact failed")
	}
	defer src.Close()

	zr, err := zstd.NewReader(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create zstd reader failed")
	}
	defer zr.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create worker file failed")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, zr); err != nil {
		return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "decompress artifact failed")
	}
	return nil
}

// extractBundle unpacks a tar.zst archive, refusing entries that
// resolve outside the destination.
func extractBundle(srcPath, dstDir string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "open artifact failed")
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create zstd reader failed")
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "read bundle entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return appErr.New(appErr.ArtifactFetchFailed).WithMessage("invalid bundle entry path")
		}
		target := filepath.Join(dstDir, cleanName)
		if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(filepath.Separator)) {
			return appErr.New(appErr.ArtifactFetchFailed).WithMessage("bundle entry escape detected")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create parent dir failed")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create file failed")
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "write file failed")
			}
			_ = out.Close()
		default:
			// skip other types
		}
	}
	return nil
}
