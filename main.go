package main

import (
	"github.com/flowcap/flowcap/cmd"
)

func main() {
	cmd.Execute()
}
