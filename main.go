package main

import "github.com/tealquilamos/wabot/cmd"

func main() {
	cmd.Execute()
}
