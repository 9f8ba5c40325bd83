package main

import "github.com/kiesman99/rasterstream/cmd"

func main() {
	cmd.Execute()
}
