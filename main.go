package main

import "github.com/drgolem/lavtools/cmd"

func main() {
	cmd.Execute()
}
