//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/pkg/errors"
)

// Check dependent tools are present and the correct version.
func CheckDeps() error {
	checks := []struct {
		name  string
		check func() error
	}{
		{"docker", dockerCheck},
		{"go", goCheck},
	}
	failures := false
	for _, check := range checks {
		fmt.Printf("Checking %s... ", check.name)
		if err := check.check(); err != nil {
			fmt.Printf("FAILED\nReason: %v\n", err)
			failures = true
		} else {
			fmt.Println("PASSED")
		}
	}
	if failures {
		return errors.New("check(s) failed.")
	}
	return nil
}

// Removes build output and test reports.
func Clean() {
	fmt.Println("Cleaning...")
	for _, path := range []string{"bin", "test_reports"} {
		os.RemoveAll(path)
	}
}

// Builds the aanloader binary into ./bin.
func Build() error {
	mg.Deps(goCheck, makeLocalBin)
	return goRun("build", "-o", "bin/"+binaryWithExt("aanloader"), "./cmd/aanloader")
}

// Starts a local Postgres and creates the warehouse schema in it.
func LocalDev() error {
	mg.Deps(Build, postgresStart)
	return runWithTestPostgres("bin/"+binaryWithExt("aanloader"), "initSchema")
}

// Stops the local Postgres.
func LocalDevStop() error {
	return postgresStop()
}
