package main

import "github.com/Kyu324/New-bot/cmd"

func main() {
	cmd.Execute()
}
