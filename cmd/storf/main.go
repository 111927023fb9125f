package main

import "storf/internal/cli"

func main() {
	cli.Execute()
}
