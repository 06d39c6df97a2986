package main

import "flowrunner/cmd/cli"

func main() {
	cli.Execute()
}
