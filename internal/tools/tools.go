//go:build tools

// Package tools pins build tooling in go.mod.
package tools

import (
	_ "mvdan.cc/gofumpt"
)
