package main

import "github.com/colock/colock/cmd"

func main() {
	cmd.Execute()
}
