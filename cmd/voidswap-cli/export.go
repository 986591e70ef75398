package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voidswap/voidswap/protocols/swap/session"
)

var exportCmd = &cobra.Command{
	Use:   "export <snapshot.cbor>",
	Short: "Print an archived session snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func runExport(_ *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	snap, err := session.DecodeSnapshotCBOR(raw)
	if err != nil {
		return err
	}
	out, err := snap.EncodeJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
