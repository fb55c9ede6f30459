// Command go-lease runs a file system metadata server node with write-lease
// coordination.
package main

import "github.com/ozanturksever/go-lease/cmd/go-lease/cmd"

func main() {
	cmd.Execute()
}
