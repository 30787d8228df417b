package main

import "github.com/samogod/tunelaunch/cmd"

func main() {
	cmd.Execute()
}
