package main

import "github.com/aliuwahab/kitua-sub001/cmd"

func main() {
	cmd.Execute()
}
