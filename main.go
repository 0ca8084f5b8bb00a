package main

import "github.com/jmehdipour/ledger-bridge/cmd"

func main() {
	cmd.Execute()
}
