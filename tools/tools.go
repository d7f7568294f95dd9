//go:build tools

// Package tools pins the linters and formatters run in CI, e.g.
// go -C tools run github.com/golangci/golangci-lint/cmd/golangci-lint run ../...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "honnef.co/go/tools/cmd/staticcheck"
	_ "mvdan.cc/gofumpt"
)
