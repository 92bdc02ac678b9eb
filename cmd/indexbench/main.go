package main

import "github.com/ssargent/concurrent-index/cmd/indexbench/cmd"

func main() {
	cmd.Execute()
}
