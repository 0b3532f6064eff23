package main

import "github.com/pilab-dev/shadow-bridge/cmd/bridgectl/cmd"

func main() {
	cmd.Execute()
}
