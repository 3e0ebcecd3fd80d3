// Command detr-loss evaluates the DETR set-prediction loss on serialized batches.
package main

import "log"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("detr-loss: %v", err)
	}
}
