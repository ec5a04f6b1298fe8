package main

import "github.com/walb-tools/go-walb/cmd"

func main() {
	cmd.Execute()
}
