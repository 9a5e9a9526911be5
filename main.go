package main

import "github.com/jingcjie/WDCableWUI/cmd"

func main() {
	cmd.Execute()
}
