package main

import "github.com/machinelattice/apex/cmd"

func main() {
	cmd.Execute()
}
