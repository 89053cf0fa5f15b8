//go:build mage

// Tools for building and maintaining lludp.
package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Runs go vet over every package.
func Lint() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "vet", "./...")
	return err
}

// Runs all tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}

// Builds the lludp CLI into bin/.
func Build() error {
	mg.Deps(Lint)
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "build", "-o", "bin/lludp", "./cmd/lludp")
	return err
}
