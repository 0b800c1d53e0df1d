package main

import "github.com/samuelfneumann/godreamer/examples"

func main() {
	examples.SyntheticDreamer("./data")
}
