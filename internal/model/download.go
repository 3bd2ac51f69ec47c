package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// LockFile records resolved checksums next to the downloaded bundle.
const LockFile = "download-manifest.lock.json"

const defaultHubURL = "https://huggingface.co"

type DownloadOptions struct {
	Repo       string
	Revision   string
	OutDir     string
	HFToken    string
	BaseURL    string
	HTTPClient *http.Client
	Stdout     io.Writer
}

// ErrAccessDenied is returned for 401/403 answers from the Hub.
type ErrAccessDenied struct {
	Repo string
}

func (e *ErrAccessDenied) Error() string {
	return fmt.Sprintf("access denied for %s; provide HF_TOKEN or --hf-token", e.Repo)
}

type lockManifest struct {
	Repo      string                `json:"repo"`
	Revision  string                `json:"revision"`
	Generated string                `json:"generated"`
	Files     map[string]lockRecord `json:"files"`
}

type lockRecord struct {
	SHA256 string `json:"sha256"`
}

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// Download fetches bundle.yaml, then every file it references, verifying
// each against its pinned or Hub-reported sha256. Files already present
// with a matching checksum are skipped.
func Download(ctx context.Context, opts DownloadOptions) error {
	if opts.OutDir == "" {
		return errors.New("model: out dir is required")
	}

	manifest, err := PinnedManifest(opts.Repo, opts.Revision)
	if err != nil {
		return err
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.BaseURL == "" {
		opts.BaseURL = defaultHubURL
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("model: create out dir: %w", err)
	}

	d := &downloader{opts: opts, manifest: manifest}
	d.lock = readLockManifest(filepath.Join(opts.OutDir, LockFile))
	d.lockedRevision = d.lock.Revision
	d.lock.Repo, d.lock.Revision = manifest.Repo, manifest.Revision
	d.lock.Generated = time.Now().UTC().Format(time.RFC3339)

	if err := d.fetch(ctx, manifest.Files[0]); err != nil {
		return err
	}

	// the manifest may rename files; follow what was actually published
	b, err := LoadBundle(opts.OutDir)
	if err != nil {
		return err
	}

	for _, f := range bundleFiles(b)[1:] {
		if err := d.fetch(ctx, f); err != nil {
			return err
		}
	}

	lockPath := filepath.Join(opts.OutDir, LockFile)
	if err := writeLockManifest(lockPath, d.lock); err != nil {
		return err
	}

	fmt.Fprintf(opts.Stdout, "wrote lock manifest: %s\n", lockPath)

	return nil
}

type downloader struct {
	opts           DownloadOptions
	manifest       Manifest
	lock           lockManifest
	lockedRevision string
}

func (d *downloader) fetch(ctx context.Context, f ModelFile) error {
	expected := strings.ToLower(f.SHA256)

	if expected == "" && !f.Unverified {
		if rec, ok := d.lock.Files[f.Filename]; ok && d.lockedRevision == d.manifest.Revision && isSHA256Hex(rec.SHA256) {
			expected = strings.ToLower(rec.SHA256)
		} else {
			var err error
			if expected, err = d.resolveChecksum(ctx, f); err != nil {
				return err
			}
		}
	}

	localPath := filepath.Join(d.opts.OutDir, filepath.FromSlash(f.Filename))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("model: create local subdir: %w", err)
	}

	if expected != "" {
		ok, err := existingMatches(localPath, expected)
		if err != nil {
			return err
		}

		if ok {
			fmt.Fprintf(d.opts.Stdout, "skip %s (checksum match)\n", f.Filename)
			d.lock.Files[f.Filename] = lockRecord{SHA256: expected}

			return nil
		}
	}

	fmt.Fprintf(d.opts.Stdout, "download %s@%s -> %s\n", f.Filename, d.manifest.Revision, localPath)

	actual, err := d.get(ctx, f, localPath)
	if err != nil {
		return err
	}

	if expected != "" && actual != expected {
		_ = os.Remove(localPath)

		return fmt.Errorf("model: checksum mismatch for %s: expected %s got %s", f.Filename, expected, actual)
	}

	slog.Debug("bundle file verified", "file", f.Filename, "sha256", actual)
	d.lock.Files[f.Filename] = lockRecord{SHA256: actual}

	return nil
}

func (d *downloader) url(f ModelFile) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(d.opts.BaseURL, "/"), d.manifest.Repo, d.manifest.Revision, f.Filename)
}

func (d *downloader) request(ctx context.Context, method string, f ModelFile) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.url(f), nil)
	if err != nil {
		return nil, fmt.Errorf("model: build request: %w", err)
	}

	if d.opts.HFToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.HFToken)
	}

	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model: %s %s: %w", method, f.Filename, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()

		return nil, &ErrAccessDenied{Repo: d.manifest.Repo}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		resp.Body.Close()

		return nil, fmt.Errorf("model: %s %s: %s", method, f.Filename, resp.Status)
	}

	return resp, nil
}

// get streams f into path through a temp file and returns its sha256.
func (d *downloader) get(ctx context.Context, f ModelFile, path string) (string, error) {
	resp, err := d.request(ctx, http.MethodGet, f)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	tmp := path + ".tmp"

	fh, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("model: create temp file: %w", err)
	}

	h := sha256.New()
	pw := &progressWriter{out: d.opts.Stdout, total: resp.ContentLength, last: time.Now()}

	if _, err := io.Copy(io.MultiWriter(fh, h, pw), resp.Body); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)

		return "", fmt.Errorf("model: download %s: %w", f.Filename, err)
	}

	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)

		return "", fmt.Errorf("model: close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return "", fmt.Errorf("model: move temp file into place: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (d *downloader) resolveChecksum(ctx context.Context, f ModelFile) (string, error) {
	resp, err := d.request(ctx, http.MethodHead, f)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	for _, key := range []string{"X-Linked-Etag", "Etag"} {
		if v := normalizeETag(resp.Header.Get(key)); isSHA256Hex(v) {
			return strings.ToLower(v), nil
		}
	}

	return "", fmt.Errorf("model: unable to resolve sha256 for %s; pin a checksum", f.Filename)
}

type progressWriter struct {
	out     io.Writer
	total   int64
	written int64
	last    time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))

	if time.Since(p.last) > 700*time.Millisecond {
		if p.total > 0 {
			fmt.Fprintf(p.out, "  progress: %.1f%% (%d/%d bytes)\n", float64(p.written)*100/float64(p.total), p.written, p.total)
		} else {
			fmt.Fprintf(p.out, "  progress: %d bytes\n", p.written)
		}

		p.last = time.Now()
	}

	return len(b), nil
}

func existingMatches(path, expected string) (bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("model: stat existing file: %w", err)
	}

	if fi.IsDir() {
		return false, fmt.Errorf("model: expected file at %s, found directory", path)
	}

	actual, err := fileSHA256(path)
	if err != nil {
		return false, err
	}

	return actual == expected, nil
}

func normalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")

	return strings.Trim(v, "\"")
}

func isSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("model: open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("model: read file for checksum: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func readLockManifest(path string) lockManifest {
	out := lockManifest{}

	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &out)
	}

	if out.Files == nil {
		out.Files = map[string]lockRecord{}
	}

	return out
}

func writeLockManifest(path string, lock lockManifest) error {
	b, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("model: encode lock manifest: %w", err)
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("model: write lock manifest: %w", err)
	}

	return nil
}
