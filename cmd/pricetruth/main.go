package main

import "price-truth/internal/cli"

func main() {
	cli.Execute()
}
