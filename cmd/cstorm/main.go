package main

import (
	"cstorm/cmd"
)

func main() {
	cmd.Execute()
}
