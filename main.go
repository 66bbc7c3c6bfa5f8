package main

import "github.com/nextlevelbuilder/pynchy/cmd"

func main() {
	cmd.Execute()
}
