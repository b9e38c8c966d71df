package main

import "github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/cli"

func main() {
	cli.Execute()
}
