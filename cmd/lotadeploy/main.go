package main

import "github.com/balaji-balu/lotadeploy/cmd/lotadeploy/cli/cmd"

func main() {
	cmd.Execute()
}
