// Package main is the entry point for snapborg.
package main

import (
	"os"

	"github.com/enzingerm/snapborg/internal/models"
)

func main() {
	err := Execute()
	if err == nil {
		return
	}
	if models.IsDomainError(err) {
		os.Exit(1)
	}
	os.Exit(2)
}
