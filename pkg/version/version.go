// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package version defines version information.
package version

import (
	"fmt"
	"io"
	"runtime"
	"text/template"
)

var (
	// Name is set at build time.
	Name = "pe-inject"
	// Tag is set at build time.
	Tag = "undefined"
	// SHA is set at build time.
	SHA = "undefined"
	// Built is set at build time.
	Built string
)

// Info is the version information of the binary.
type Info struct {
	Name      string
	Tag       string
	SHA       string
	Built     string
	GoVersion string
	OS        string
	Arch      string
}

const versionTemplate = `{{ .Name }}:
	Tag:         {{ .Tag }}
	SHA:         {{ .SHA }}
	Built:       {{ .Built }}
	Go version:  {{ .GoVersion }}
	OS/Arch:     {{ .OS }}/{{ .Arch }}
`

// NewVersion returns the version information.
func NewVersion() Info {
	return Info{
		Name:      Name,
		Tag:       Tag,
		SHA:       SHA,
		Built:     Built,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// WriteLongVersion writes verbose version information.
func WriteLongVersion(w io.Writer, v Info) error {
	tmpl, err := template.New("version").Parse(versionTemplate)
	if err != nil {
		return err
	}

	return tmpl.Execute(w, v)
}

// Short returns the short version string.
func Short(v Info) string {
	return fmt.Sprintf("%s %s-%s", v.Name, v.Tag, v.SHA)
}
