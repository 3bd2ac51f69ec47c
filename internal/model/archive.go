package model

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveOptions describe a packaged bundle (.zip or .tar.gz) fetched from
// a URL or a local path.
type ArchiveOptions struct {
	URL        string
	SHA256     string
	OutDir     string
	HTTPClient *http.Client
	Stdout     io.Writer
}

// InstallArchive downloads, verifies and unpacks a bundle archive, then
// checks that the extracted bundle is complete.
func InstallArchive(ctx context.Context, opts ArchiveOptions) (*Bundle, error) {
	src := strings.TrimSpace(opts.URL)
	if src == "" {
		return nil, errors.New("model: archive URL is required")
	}

	if opts.OutDir == "" {
		return nil, errors.New("model: out dir is required")
	}

	checksum := strings.ToLower(strings.TrimSpace(opts.SHA256))
	if checksum != "" && !isSHA256Hex(checksum) {
		return nil, fmt.Errorf("model: invalid sha256 checksum %q", checksum)
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("model: create out dir: %w", err)
	}

	tmp, actual, err := fetchArchive(ctx, opts.HTTPClient, src)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if checksum != "" && checksum != actual {
		return nil, fmt.Errorf("model: archive checksum mismatch: expected %s got %s", checksum, actual)
	}

	fmt.Fprintf(opts.Stdout, "downloaded bundle archive (%s) sha256=%s\n", src, actual)

	if err := extractArchive(tmp, src, opts.OutDir); err != nil {
		return nil, err
	}

	b, err := LoadBundle(opts.OutDir)
	if err != nil {
		return nil, err
	}

	if missing := b.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("model: archive is missing %s", strings.Join(missing, ", "))
	}

	fmt.Fprintf(opts.Stdout, "installed bundle %s into %s\n", b.Name, opts.OutDir)

	return b, nil
}

func fetchArchive(ctx context.Context, client *http.Client, src string) (string, string, error) {
	var r io.ReadCloser

	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return "", "", fmt.Errorf("model: build archive request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", "", fmt.Errorf("model: archive download: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()

			return "", "", fmt.Errorf("model: archive download: %s", resp.Status)
		}

		r = resp.Body
	} else {
		fh, err := os.Open(strings.TrimPrefix(src, "file://"))
		if err != nil {
			return "", "", fmt.Errorf("model: open local archive: %w", err)
		}

		r = fh
	}
	defer r.Close()

	tmp, err := os.CreateTemp("", "voiceclone-bundle-*")
	if err != nil {
		return "", "", fmt.Errorf("model: create temp archive: %w", err)
	}

	h := sha256.New()

	_, err = io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return "", "", fmt.Errorf("model: write temp archive: %w", err)
	}

	return tmp.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

// extractArchive picks the format from the source name and falls back to
// trying both.
func extractArchive(path, name, outDir string) error {
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(path, outDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(path, outDir)
	}

	if err := extractZip(path, outDir); err == nil {
		return nil
	}

	if err := extractTarGz(path, outDir); err == nil {
		return nil
	}

	return fmt.Errorf("model: unsupported archive format for %s (expected .zip or .tar.gz)", name)
}

func extractZip(path, outDir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("model: open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeExtractPath(outDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("model: create dir %s: %w", target, err)
			}

			continue
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("model: open zip entry %s: %w", f.Name, err)
		}

		err = writeEntry(target, src)
		src.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

func extractTarGz(path, outDir string) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("model: open tar.gz: %w", err)
	}
	defer fh.Close()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return fmt.Errorf("model: open gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("model: read tar entry: %w", err)
		}

		target, err := safeExtractPath(outDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("model: create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("model: create parent dir for %s: %w", target, err)
	}

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("model: create %s: %w", target, err)
	}

	//nolint:gosec // archives are checksum-verified before extraction
	_, err = io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("model: extract %s: %w", target, err)
	}

	return nil
}

func safeExtractPath(baseDir, entry string) (string, error) {
	target := filepath.Join(baseDir, filepath.Clean(strings.TrimPrefix(entry, "/")))

	base := filepath.Clean(baseDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), base) {
		return "", fmt.Errorf("model: unsafe archive path %q", entry)
	}

	return target, nil
}
