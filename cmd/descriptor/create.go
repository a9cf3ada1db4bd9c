package main

import (
	"fmt"

	"github.com/DaniellsQ/ttorrent/pkg/descriptor"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	outputPath  string
	pieceLength int64
	announce    []string
	comment     string
)

var createCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Create a descriptor for a file",
	Long: `Hash a file into pieces and write a transfer descriptor for it.

Announce addresses must be full multiaddrs including the peer ID, e.g.
  /ip4/192.168.1.10/tcp/4001/p2p/QmaZ4tf3R7aHJtsfgdTSQhBmhCyuBuvAbRoxWaD9HsQhfi`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return createDescriptor(cmd, args[0])
	},
}

func init() {
	createCmd.Flags().StringVarP(&outputPath, "output", "o", "", "descriptor output path (default <file>.descriptor)")
	createCmd.Flags().Int64VarP(&pieceLength, "piece-length", "p", descriptor.DefaultPieceLength, "piece length in bytes")
	createCmd.Flags().StringArrayVarP(&announce, "announce", "a", nil, "peer multiaddr to contact first (repeatable)")
	createCmd.Flags().StringVar(&comment, "comment", "", "free text comment")
}

func createDescriptor(cmd *cobra.Command, filePath string) error {
	if pieceLength <= 0 || pieceLength > descriptor.MaxPieceLength {
		return fmt.Errorf("invalid piece length %d (must be 1 to %d)", pieceLength, descriptor.MaxPieceLength)
	}
	for _, a := range announce {
		addr, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return fmt.Errorf("invalid announce address %q: %w", a, err)
		}
		if _, err := peer.AddrInfoFromP2pAddr(addr); err != nil {
			return fmt.Errorf("announce address %q needs a /p2p/ peer ID: %w", a, err)
		}
	}

	logrus.Infof("Hashing %s", filePath)
	d, err := descriptor.Create(filePath, pieceLength, announce)
	if err != nil {
		return err
	}
	d.Comment = comment

	out := outputPath
	if out == "" {
		out = filePath + ".descriptor"
	}
	if err := d.Save(out); err != nil {
		return err
	}

	infoHash, err := d.HexInfoHash()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Descriptor written to %s\n", out)
	fmt.Fprintf(w, "Info hash: %s\n", infoHash)
	fmt.Fprintf(w, "Pieces: %d x %d bytes\n", d.NumPieces(), d.Info.PieceLength)
	return nil
}
