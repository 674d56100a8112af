package main

import (
	"fmt"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"seraph"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [store-path]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "With no arguments, prints the core record layouts.\n")
	os.Exit(2)
}

func printLayouts() {
	fmt.Println("Genesis ", unsafe.Alignof(seraph.Genesis{}), unsafe.Sizeof(seraph.Genesis{}))
	fmt.Println("Message ", unsafe.Alignof(seraph.Message{}), unsafe.Sizeof(seraph.Message{}))
	fmt.Println("Capability", unsafe.Alignof(seraph.Capability{}), unsafe.Sizeof(seraph.Capability{}))
	fmt.Println("Orb     ", unsafe.Alignof(seraph.Orb{}), unsafe.Sizeof(seraph.Orb{}))
}

func inspect(path string) {
	a, err := seraph.Open(path, 0, &seraph.Options{ReadOnly: true})
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer a.Close()

	fmt.Printf("store:            %s\n", a.Path())
	fmt.Printf("store id:         %s\n", a.StoreID())
	fmt.Printf("region size:      %d\n", a.Size())
	fmt.Printf("generation:       %d\n", a.Generation())
	fmt.Printf("commit count:     %d\n", a.CommitCount())
	fmt.Printf("abort count:      %d\n", a.AbortCount())
	fmt.Printf("root offset:      %#x\n", a.Root())
	fmt.Printf("generation slots: %d\n", a.GenerationCount())
	fmt.Printf("available:        %d\n", a.Available())
}

func main() {
	switch len(os.Args) {
	case 1:
		printLayouts()
	case 2:
		if os.Args[1] == "-h" || os.Args[1] == "--help" {
			usage()
		}
		inspect(os.Args[1])
	default:
		usage()
	}
}
