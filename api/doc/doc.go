// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package doc embeds the bundler's API document.
package doc

import (
	"embed"

	"gopkg.in/yaml.v3"
)

// FS embeds the Open API spec.
//
//go:embed bundler.yaml
var FS embed.FS

var version string

// Version is the api version declared by the embedded document.
func Version() string {
	return version
}

type openAPIInfo struct {
	Info struct {
		Version string
	}
}

func init() {
	content, err := FS.ReadFile("bundler.yaml")
	if err != nil {
		panic(err)
	}

	var oai openAPIInfo
	if err := yaml.Unmarshal(content, &oai); err != nil {
		panic(err)
	}
	version = oai.Info.Version
}
