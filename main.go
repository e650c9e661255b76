package main

import "github.com/soofff/dhcpserver/internal/cmd"

func main() {
	cmd.Main()
}
