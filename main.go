package main

import "bundlexfer/commands"

func main() {
	commands.Execute()
}
