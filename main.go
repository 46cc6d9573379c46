package main

import "github.com/frahmantamala/restaurant-pos/cmd"

func main() {
	cmd.Execute()
}
