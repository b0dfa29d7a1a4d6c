package main

import "github.com/nextlevelbuilder/quorum/cmd"

func main() {
	cmd.Execute()
}
