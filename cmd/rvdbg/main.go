package main

import "github.com/rvdbg/dm13/cmd/rvdbg/cmd"

func main() {
	cmd.Execute()
}
