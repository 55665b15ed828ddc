package main

import "github.com/celebichrono/celebi/cli"

func main() {
	cli.Execute()
}
