package main

import "github.com/nbuy/shopchat/cmd"

func main() {
	cmd.Execute()
}
