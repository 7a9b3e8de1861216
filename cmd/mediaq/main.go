package main

import "mediaqueue/internal/cli"

func main() {
	cli.Execute()
}
