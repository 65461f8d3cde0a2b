package main

import "GoInspectorLens/internal/cli"

func main() {
	cli.Execute()
}
