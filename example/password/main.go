package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/salrashid123/tpmzfs"
	"github.com/salrashid123/tpmzfs/passphrase"
	"github.com/salrashid123/tpmzfs/tpm2"
)

var (
	tpmPath     = flag.String("tpm-path", "127.0.0.1:2321", "Path to the TPM device (character device or host:port of a swtpm).")
	dataset     = flag.String("dataset", "tank/enc", "Dataset name recorded in the creation metadata")
	keypassword = flag.String("keypassword", "foooo", "Passphrase protecting the sealed key")
)

func main() {
	os.Exit(run()) // since defer func() needs to get called first
}

func run() int {
	flag.Parse()
	ctx := context.Background()

	// the first passphrase is set at seal time, the rest answer unseal's prompts
	p := &passphrase.Static{Passphrases: [][]byte{[]byte(*keypassword), []byte(*keypassword)}}
	b := tpm2.New(tpm2.Config{Path: *tpmPath, Prompter: p})

	key, err := b.NewKey(ctx)
	if err != nil {
		fmt.Printf("error generating key %v\n", err)
		return 1
	}
	handle, err := b.Seal(ctx, *dataset, key)
	if err != nil {
		fmt.Printf("error sealing %v\n", err)
		return 1
	}
	defer func() {
		if err := b.Free(ctx, handle); err != nil {
			fmt.Printf("error freeing %s, run %q: %v\n", handle, b.FreeHint(handle), err)
		}
	}()
	fmt.Printf("Sealed Key: %s\n", handle)

	r, err := b.Unseal(ctx, *dataset, handle)
	if err != nil {
		fmt.Printf("error unsealing %v\n", err)
		return 1
	}
	fmt.Printf("unsealed Key: %s\n", tpmzfs.EncodeHex(r))
	fmt.Printf("prompted for: %q\n", p.Subjects)

	return 0
}
