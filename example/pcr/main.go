package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/salrashid123/tpmzfs"
	"github.com/salrashid123/tpmzfs/passphrase"
	"github.com/salrashid123/tpmzfs/tpm2"
)

var (
	tpmPath = flag.String("tpm-path", "127.0.0.1:2321", "Path to the TPM device (character device or host:port of a swtpm).")
	pemFile = flag.String("pemFile", "private.pem", "KeyFile in PEM format")
	dataset = flag.String("dataset", "tank/enc", "Dataset name recorded in the creation metadata")
	pcrs    = flag.String("pcrs", "sha256:23", "PCRs the key is bound to, eg. sha256:0,7+sha1:all")
)

func main() {
	os.Exit(run()) // since defer func() needs to get called first
}

func run() int {
	flag.Parse()
	ctx := context.Background()

	sels, err := tpm2.ParsePCRs(*pcrs)
	if err != nil {
		fmt.Printf("error parsing PCRs %v\n", err)
		return 1
	}

	var pem bytes.Buffer
	b := tpm2.New(tpm2.Config{Path: *tpmPath, PCRs: sels, KeyfileOut: &pem, Prompter: &passphrase.Static{}})

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
	fmt.Printf("Sealed Key: %s\n", handle)

	err = os.WriteFile(*pemFile, pem.Bytes(), 0600)
	if err != nil {
		fmt.Printf("error creating key file %v\n", err)
		return 1
	}

	r, err := b.Unseal(ctx, *dataset, handle)
	if err != nil {
		fmt.Printf("error unsealing %v\n", err)
		return 1
	}
	fmt.Printf("unsealed Key: %s\n", tpmzfs.EncodeHex(r))

	if err := b.Free(ctx, handle); err != nil {
		fmt.Printf("error freeing %s, run %q: %v\n", handle, b.FreeHint(handle), err)
		return 1
	}

	// the persistent handle is gone; the keyfile still unseals while the PCRs hold
	r, err = b.LoadKeyfile(ctx, *dataset, pem.Bytes())
	if err != nil {
		fmt.Printf("error unsealing keyfile %v\n", err)
		return 1
	}
	fmt.Printf("unsealed Key from %s: %s\n", *pemFile, tpmzfs.EncodeHex(r))

	return 0
}
