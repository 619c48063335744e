// Package main is the entry point for the vscavator marketplace ingestion
// service.
package main

import (
	"os"

	"github.com/vscavator/vscavator/cmd/vscavator/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
