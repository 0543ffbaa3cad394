package main

import "github.com/jmcleod/sessionguard/cmd/sessiond/cmd"

func main() {
	cmd.Execute()
}
