package main

import (
	"os"

	"github.com/aanproject/aanloader/cmd/aanloader/cmd"
	"github.com/aanproject/aanloader/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
