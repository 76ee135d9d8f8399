// Command otdrive drives OTNS simulations and OpenThread node containers.
package main

import "github.com/otdrive/otdrive/internal/cli"

func main() {
	cli.Execute()
}
