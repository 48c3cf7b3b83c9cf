package main

import "github.com/aweris/imageopt/cmd/imageopt/cmd"

func main() {
	cmd.Execute()
}
