// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pe

// Checksum computes the PE image checksum as the Windows loader does.
//
// The CheckSum field itself is treated as zero.
func (img *Image) Checksum() uint32 {
	skip := img.optionalHeaderOffset + ohCheckSum

	var sum uint64

	for i := 0; i < len(img.data); i += 2 {
		var word uint64

		if i >= skip-1 && i < skip+4 {
			// the word overlaps the CheckSum field
			for j := range 2 {
				if k := i + j; k < len(img.data) && (k < skip || k >= skip+4) {
					word |= uint64(img.data[k]) << (8 * j)
				}
			}
		} else if i+1 < len(img.data) {
			word = uint64(le.Uint16(img.data[i:]))
		} else {
			word = uint64(img.data[i])
		}

		sum += word
		sum = (sum & 0xffff) + (sum >> 16)
	}

	sum = (sum & 0xffff) + (sum >> 16)

	return uint32(sum) + uint32(len(img.data))
}

// UpdateChecksum recomputes the CheckSum field of the optional header.
func (img *Image) UpdateChecksum() {
	img.putU32(img.optionalHeaderOffset+ohCheckSum, img.Checksum())
}
