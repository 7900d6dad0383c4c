// Command ensemble runs a graph of tasks on specialist workers and merges
// their validated outputs into one artifact tree.
package main

import "os"

func main() {
	os.Exit(Execute())
}
