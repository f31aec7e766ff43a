package main

import (
	"log"

	"notegate/services/notegate"
)

func main() {
	if err := notegate.Main(); err != nil {
		log.Fatalf("notegate: %v", err)
	}
}
