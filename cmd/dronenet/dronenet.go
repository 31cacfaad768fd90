/*
CLI for running a drone network simulation
*/
package main

import "github.com/raskyld/dronenet/cmd/dronenet/commands"

func main() {
	commands.Execute()
}
