package main

import (
	"buy-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
