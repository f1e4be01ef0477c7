// Package main is the entry point for hbctl, the operator CLI for
// inspecting and driving a hbpg deployment directly against Postgres.
package main

import (
	"os"

	"github.com/hbpg/hbpg/cmd/hbctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
