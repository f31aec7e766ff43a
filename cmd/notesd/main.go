package main

import (
	"log"

	"notegate/services/notesd"
)

func main() {
	if err := notesd.Main(); err != nil {
		log.Fatalf("notesd: %v", err)
	}
}
