package main

import "github.com/edgespeed/edgespeed/cmd"

func main() {
	cmd.Execute()
}
