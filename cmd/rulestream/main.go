package main

import (
	"os"

	"github.com/sandonleejacobs/rulestream/cmd/rulestream/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
