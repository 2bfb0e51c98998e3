package main

import "github.com/jmehdipour/msg-engine/cmd"

func main() {
	cmd.Execute()
}
