package main

import "github.com/voxhub/relay/cmd"

func main() {
	cmd.Execute()
}
