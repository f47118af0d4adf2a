package main

import (
	"os"

	"github.com/pesio-ai/be-plt-approvals/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
