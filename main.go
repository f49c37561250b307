// The main package for the askpage executable.
package main

import "github.com/askpage/askpage/cmd"

func main() {
	cmd.Execute()
}
