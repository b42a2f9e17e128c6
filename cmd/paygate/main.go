package main

import "github.com/paygate-mcp/paygate/cmd/paygate/cmd"

func main() {
	cmd.Execute()
}
