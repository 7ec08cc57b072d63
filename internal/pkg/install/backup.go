// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"errors"
	"fmt"
	"os"
)

// BackupResult is the result of EnsureBackup.
type BackupResult struct {
	Path string
	// Created is false if the backup already existed.
	Created bool
}

// BackupPath returns the default backup path for the target.
func BackupPath(target string) string {
	return target + ".bak"
}

// EnsureBackup copies target to backup unless the backup already exists.
//
// An existing backup is never overwritten: it holds the pristine image every
// subsequent injection starts from.
func EnsureBackup(target, backup string) (BackupResult, error) {
	result := BackupResult{Path: backup}

	st, err := os.Stat(backup)

	switch {
	case err == nil:
		if !st.Mode().IsRegular() {
			return result, fmt.Errorf("%w: backup %s is not a regular file", ErrIO, backup)
		}

		return result, nil
	case !errors.Is(err, os.ErrNotExist):
		return result, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err = CopyFileAtomic(target, backup); err != nil {
		return result, err
	}

	result.Created = true

	return result, nil
}
