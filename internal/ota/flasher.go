package ota

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Flasher stages an incoming image.
type Flasher interface {
	Begin(size int64, md5sum string) (Image, error)
}

// Image is a staged image. Commit verifies and applies it; Abort discards
// it.
type Image interface {
	io.Writer
	Commit() error
	Abort() error
}

// FileFlasher writes the image next to Path and renames it into place once
// the size and digest check out, so a cut transfer never leaves a
// half-written image at Path.
type FileFlasher struct {
	Path string
}

func (f FileFlasher) Begin(size int64, md5sum string) (Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrTransferBeginFailed, size)
	}
	if _, err := hex.DecodeString(md5sum); err != nil || len(md5sum) != 2*md5.Size {
		return nil, fmt.Errorf("%w: invalid md5 %q", ErrTransferBeginFailed, md5sum)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".firmware-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferBeginFailed, err)
	}
	return &fileImage{
		file: tmp,
		dest: f.Path,
		size: size,
		want: strings.ToLower(md5sum),
		sum:  md5.New(),
	}, nil
}

type fileImage struct {
	file    *os.File
	dest    string
	size    int64
	written int64
	want    string
	sum     hash.Hash
}

func (i *fileImage) Write(p []byte) (int, error) {
	if i.written+int64(len(p)) > i.size {
		return 0, fmt.Errorf("image exceeds declared size %d", i.size)
	}
	n, err := i.file.Write(p)
	i.sum.Write(p[:n])
	i.written += int64(n)
	return n, err
}

func (i *fileImage) Commit() error {
	if i.written != i.size {
		i.Abort()
		return fmt.Errorf("%w: got %d of %d bytes", ErrApplyFailed, i.written, i.size)
	}
	if got := hex.EncodeToString(i.sum.Sum(nil)); got != i.want {
		i.Abort()
		return fmt.Errorf("%w: md5 %s, expected %s", ErrApplyFailed, got, i.want)
	}
	if err := i.file.Sync(); err != nil {
		i.Abort()
		return fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}
	if err := i.file.Close(); err != nil {
		os.Remove(i.file.Name())
		return fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}
	if err := os.Rename(i.file.Name(), i.dest); err != nil {
		os.Remove(i.file.Name())
		return fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}
	return nil
}

func (i *fileImage) Abort() error {
	return errors.Join(i.file.Close(), os.Remove(i.file.Name()))
}
