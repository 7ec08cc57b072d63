// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pe

// Signed reports whether the image carries an Authenticode certificate table.
func (img *Image) Signed() bool {
	dir, ok := img.DataDirectory(DirectorySecurity)

	return ok && dir.VirtualAddress != 0 && dir.Size != 0
}

// StripCertificates removes the Authenticode certificate table.
//
// The security data directory is cleared. The certificate bytes are truncated
// when they are the last thing in the file, otherwise they are left in place as overlay.
// It returns the number of bytes removed from the file.
func (img *Image) StripCertificates() int {
	offset, ok := img.dataDirectoryOffset(DirectorySecurity)
	if !ok {
		return 0
	}

	// the security directory holds a file offset, not an RVA
	start := uint64(img.u32(offset))
	size := uint64(img.u32(offset + 4))

	if start == 0 || size == 0 {
		return 0
	}

	img.putU32(offset, 0)
	img.putU32(offset+4, 0)

	end := start + size
	if end != uint64(len(img.data)) || start < img.firstRawDataOffset() {
		return 0
	}

	img.data = img.data[:start]

	return int(size)
}
