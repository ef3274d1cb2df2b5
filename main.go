package main

import "github.com/reunia/facematch/cmd"

func main() {
	cmd.Execute()
}
