package main

import "southwinds.dev/sealbox/cli/cmd"

func main() {
	cmd.Execute()
}
