// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// ErrIO wraps all filesystem errors.
var ErrIO = errors.New("I/O error")

// ReadImage reads the whole image file.
func ReadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	return data, nil
}

// WriteFileAtomic replaces path with data.
//
// The data is written to a temporary file in the same directory, synced and renamed over path,
// so path always contains either the old or the new contents.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeAtomic(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)

		return err
	})
}

// CopyFileAtomic copies src to dest, replacing dest atomically.
func CopyFileAtomic(src, dest string) error {
	from, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	//nolint:errcheck
	defer from.Close()

	st, err := from.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return writeAtomic(dest, st.Mode().Perm(), func(w io.Writer) error {
		_, err := io.Copy(w, from)

		return err
	})
}

func writeAtomic(path string, perm os.FileMode, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	closed := false

	defer func() {
		if err == nil {
			return
		}

		var result *multierror.Error

		result = multierror.Append(result, fmt.Errorf("%w: error writing %s: %w", ErrIO, path, err))

		if !closed {
			if closeErr := tmp.Close(); closeErr != nil {
				result = multierror.Append(result, closeErr)
			}
		}

		if removeErr := os.Remove(tmp.Name()); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			result = multierror.Append(result, removeErr)
		}

		err = result.ErrorOrNil()
	}()

	if err = write(tmp); err != nil {
		return err
	}

	if err = tmp.Chmod(perm); err != nil {
		return err
	}

	if err = tmp.Sync(); err != nil {
		return err
	}

	closed = true

	if err = tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
