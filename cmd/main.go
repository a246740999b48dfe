package main

import "templatehumidifier/internal/cli"

func main() {
	cli.Execute()
}
