package main

import "github.com/kangkukjin/indiebizos/cmd"

func main() {
	cmd.Execute()
}
