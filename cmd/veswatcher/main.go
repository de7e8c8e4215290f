package main

import (
	"ves-rate-watcher/internal/cli"
)

func main() {
	cli.Execute()
}
