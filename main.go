package main

import (
	"fmt"

	"github.com/0patch/magic-wormhole/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
