// Command llmrouter is a command-line client for an inference server. It
// sends unary, streaming and batch inference requests, runs the server's
// management calls and hosts a Temporal worker for durable inference.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
