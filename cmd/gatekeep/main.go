// Package main is the entry point of the gatekeep coordination service.
package main

import (
	"os"

	"github.com/vnykmshr/gatekeep/cmd/gatekeep/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
