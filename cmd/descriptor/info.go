package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/DaniellsQ/ttorrent/pkg/descriptor"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <descriptor>",
	Short: "Show the contents of a descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := descriptor.Load(args[0])
		if err != nil {
			return err
		}
		infoHash, err := d.HexInfoHash()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Name:          %s\n", d.Info.Name)
		fmt.Fprintf(w, "Size:          %d bytes\n", d.Info.Length)
		fmt.Fprintf(w, "Piece length:  %d bytes\n", d.Info.PieceLength)
		fmt.Fprintf(w, "Pieces:        %d\n", d.NumPieces())
		fmt.Fprintf(w, "Info hash:     %s\n", infoHash)
		fmt.Fprintf(w, "Root hash:     %s\n", hex.EncodeToString([]byte(d.Info.RootHash)))
		if d.CreatedBy != "" {
			fmt.Fprintf(w, "Created by:    %s\n", d.CreatedBy)
		}
		if d.CreationDate > 0 {
			fmt.Fprintf(w, "Created:       %s\n", time.Unix(d.CreationDate, 0).UTC().Format(time.RFC3339))
		}
		if d.Comment != "" {
			fmt.Fprintf(w, "Comment:       %s\n", d.Comment)
		}
		for _, a := range d.AnnounceList {
			fmt.Fprintf(w, "Announce:      %s\n", a)
		}
		return nil
	},
}
