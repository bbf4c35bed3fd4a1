package main

import "spoilwatch/internal/cli"

func main() {
	cli.Execute()
}
