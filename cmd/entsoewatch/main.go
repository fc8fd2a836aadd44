package main

import "entsoe-watch/internal/cli"

func main() {
	cli.Execute()
}
