package main

import "github.com/ArnBdev/oneagent-delegation/internal/cli"

func main() {
	cli.Execute()
}
