// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// RenderTable renders rows as tab-aligned columns under the header.
func RenderTable(output io.Writer, header []string, rows [][]string) error {
	w := tabwriter.NewWriter(output, 0, 0, 3, ' ', 0)

	fmt.Fprintln(w, strings.Join(header, "\t"))

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	return w.Flush()
}

// RenderFields renders key/value pairs, one per line.
func RenderFields(output io.Writer, fields [][2]string) error {
	w := tabwriter.NewWriter(output, 0, 0, 1, ' ', 0)

	for _, field := range fields {
		fmt.Fprintf(w, "%s:\t%s\n", field[0], field[1])
	}

	return w.Flush()
}
