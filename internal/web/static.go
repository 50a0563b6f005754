package web

import (
	"embed"
)

// staticFiles holds the embedded page served at "/".
//
//go:embed static/*
var staticFiles embed.FS
