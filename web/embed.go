// Package web holds the server-rendered pages.
package web

import "embed"

// Templates holds the html/template sources under templates/.
//
//go:embed templates/*.html
var Templates embed.FS
