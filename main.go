package main

import "github.com/ash-run/bridge/cmd"

func main() {
	cmd.Execute()
}
