package local

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// BundleName is the archive written when a run produces several files.
const BundleName = "processed_linkedin_files.zip"

// OutputPath picks where the processed copy of input goes inside dir:
// processed_<name>, or processed_<YYYYmmdd_HHMMSS>_<name> when that already exists.
func OutputPath(dir, input string, now time.Time) (string, error) {
	base := filepath.Base(input)
	path := filepath.Join(dir, "processed_"+base)
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return path, nil
	case err != nil:
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("processed_%s_%s", now.Format("20060102_150405"), base)), nil
}

// WriteBundle zips files into w, each stored under its base name.
func WriteBundle(w io.Writer, files []string) error {
	zw := zip.NewWriter(w)
	for _, path := range files {
		if err := addToBundle(zw, path); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

// WriteBundleFile writes the bundle for files to path.
func WriteBundleFile(path string, files []string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteBundle(f, files)
}

func addToBundle(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	hdr.Method = zip.Deflate
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("add %s: %w", hdr.Name, err)
	}
	return nil
}
