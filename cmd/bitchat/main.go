package main

import (
	"os"

	"github.com/permissionlesstech/bitchat-go/cmd/bitchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
