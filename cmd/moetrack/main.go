package main

import (
	"os"

	"github.com/llm-recipes/moetrack/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
