package main

import "github.com/onkoto/devicepki/cmd/devicepki/cmd"

func main() {
	cmd.Execute()
}
