package main

import "github.com/flywheeldev/flywheel/internal/cli"

func main() {
	cli.Execute()
}
