package main

import "github.com/fest-vibes/etl/cmd/loader/cmd"

func main() {
	cmd.Execute()
}
