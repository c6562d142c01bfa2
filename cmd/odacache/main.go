package main

import "github.com/aweris/odacache/cmd/odacache/cmd"

func main() {
	cmd.Execute()
}
