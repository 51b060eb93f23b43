//go:build mage

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const testPostgres = "host=localhost port=5432 user=postgres password=" + POSTGRES_PASSWORD + " sslmode=disable"

var Gotestsum string

var LocalBin = filepath.Join(os.Getenv("PWD"), "/bin")

func makeLocalBin() error {
	if _, err := os.Stat(LocalBin); os.IsNotExist(err) {
		err = os.MkdirAll(LocalBin, os.ModePerm)
		if err != nil {
			return err
		}
	}
	return nil
}

// Gotestsum downloads gotestsum locally if necessary
func gotestsum() error {
	mg.Deps(makeLocalBin)
	Gotestsum = filepath.Join(LocalBin, "/gotestsum")

	if _, err := os.Stat(Gotestsum); os.IsNotExist(err) {
		fmt.Println(Gotestsum)
		cmd := exec.Command("go", "install", "gotest.tools/gotestsum@v1.8.2")
		cmd.Env = append(os.Environ(), "GOBIN="+LocalBin)
		return cmd.Run()
	}
	return nil
}

// Tests runs all tests against a throwaway Postgres container and writes coverage reports.
func Tests() (err error) {
	mg.Deps(gotestsum)

	if err := postgresStart(); err != nil {
		return err
	}
	defer func() {
		if stopErr := postgresStop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	if err := sh.Run("sleep", "3"); err != nil {
		return err
	}

	if err := os.MkdirAll("test_reports", os.ModePerm); err != nil {
		return err
	}
	os.Setenv("AANLOADER_TEST_POSTGRES", testPostgres)
	defer os.Unsetenv("AANLOADER_TEST_POSTGRES")

	if err := runtest("internal_coverage.xml", "internal.txt", "./internal/..."); err != nil {
		return err
	}
	return runtest("cmd_coverage.xml", "cmd.txt", "./cmd/...")
}

// TestsNoPostgres runs the tests that need no database. Warehouse tests skip themselves.
func TestsNoPostgres() error {
	mg.Deps(gotestsum)
	if err := os.MkdirAll("test_reports", os.ModePerm); err != nil {
		return err
	}
	return runtest("", "unit.txt", "./...")
}

func runtest(coverageFileName, outputFileName string, directories ...string) error {
	args := []string{"--", "-v", "-count=1"}
	if coverageFileName != "" {
		args = append(args, "-coverprofile", filepath.Join("test_reports", coverageFileName))
	}
	args = append(args, directories...)

	cmd := exec.Command(Gotestsum, args...)
	file, err := os.Create(filepath.Join("test_reports", outputFileName))
	if err != nil {
		return err
	}
	defer file.Close()

	cmd.Stdout = io.MultiWriter(os.Stdout, file)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runWithTestPostgres(binary string, args ...string) error {
	env := map[string]string{
		"AANLOADER_POSTGRES_CONNECTION_HOST":     "localhost",
		"AANLOADER_POSTGRES_CONNECTION_PASSWORD": POSTGRES_PASSWORD,
	}
	return sh.RunWith(env, binary, args...)
}
