package main

import (
	"log"
	"os"

	"taskline/cmd/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:], os.Stderr); err != nil {
		log.Fatal(err)
	}
}
