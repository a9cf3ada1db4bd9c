// Package descriptor reads and writes transfer descriptors.
//
// A descriptor is a bencoded dictionary describing one file shared over the
// peer-to-peer network:
//
//	announce-list   bootstrap peer multiaddrs (with /p2p/ peer IDs)
//	comment         free text
//	created by      tool that wrote the descriptor
//	creation date   unix seconds
//	info
//	  name          file name, no directory components
//	  length        file size in bytes
//	  piece length  bytes per piece
//	  pieces        concatenated SHA-256 piece hashes
//	  root hash     Merkle root over the piece hashes
//
// The info hash, SHA-256 of the bencoded info dictionary, identifies the
// transfer on the network.
package descriptor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
)

// DefaultPieceLength is used when no piece length is requested.
const DefaultPieceLength = 256 * 1024

// MaxPieceLength is the largest piece a peer will send or accept.
const MaxPieceLength = 16 * 1024 * 1024

// CreatedBy is written into new descriptors.
const CreatedBy = "ttorrent"

// Descriptor is a parsed transfer descriptor.
type Descriptor struct {
	AnnounceList []string `bencode:"announce-list"`
	Comment      string   `bencode:"comment"`
	CreatedBy    string   `bencode:"created by"`
	CreationDate int64    `bencode:"creation date"`
	Info         Info     `bencode:"info"`
}

// Info is the part of a descriptor covered by the info hash.
type Info struct {
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	RootHash    string `bencode:"root hash"`
}

// Load reads and validates the descriptor stored at path.
func Load(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("couldnt open descriptor: %w", err)
	}
	defer f.Close()

	d, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("couldnt parse descriptor %s: %w", path, err)
	}
	return d, nil
}

// Read decodes and validates a descriptor.
func Read(r io.Reader) (*Descriptor, error) {
	d := &Descriptor{}
	if err := bencode.Unmarshal(r, d); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Create hashes the file at dataPath and returns a descriptor for it.
func Create(dataPath string, pieceLength int64, announce []string) (*Descriptor, error) {
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}
	if pieceLength > MaxPieceLength {
		return nil, fmt.Errorf("piece length %d exceeds maximum %d", pieceLength, MaxPieceLength)
	}

	f, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	hashes, length, err := HashPieces(f, pieceLength)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pieces: %w", err)
	}
	if length == 0 {
		return nil, fmt.Errorf("%s is empty", dataPath)
	}

	d := &Descriptor{
		AnnounceList: announce,
		CreatedBy:    CreatedBy,
		CreationDate: time.Now().Unix(),
		Info: Info{
			Name:        filepath.Base(dataPath),
			Length:      length,
			PieceLength: pieceLength,
			Pieces:      string(bytes.Join(hashes, nil)),
			RootHash:    string(MerkleRoot(hashes)),
		},
	}
	return d, d.Validate()
}

// Validate checks the piece table against the file length and root hash.
func (d *Descriptor) Validate() error {
	info := d.Info
	if info.Name == "" {
		return errors.New("missing name")
	}
	if info.Name != filepath.Base(info.Name) || info.Name == "." || info.Name == ".." ||
		strings.ContainsAny(info.Name, `/\`) {
		return fmt.Errorf("invalid name %q", info.Name)
	}
	if info.Length <= 0 {
		return fmt.Errorf("invalid length %d", info.Length)
	}
	if info.PieceLength <= 0 {
		return fmt.Errorf("invalid piece length %d", info.PieceLength)
	}
	if info.PieceLength > MaxPieceLength {
		return fmt.Errorf("piece length %d exceeds maximum %d", info.PieceLength, MaxPieceLength)
	}
	if len(info.Pieces)%HashSize != 0 {
		return errors.New("invalid pieces hash length")
	}
	want := (info.Length + info.PieceLength - 1) / info.PieceLength
	if got := int64(len(info.Pieces) / HashSize); got != want {
		return fmt.Errorf("descriptor has %d piece hashes, length needs %d", got, want)
	}
	if !bytes.Equal([]byte(info.RootHash), MerkleRoot(d.PieceHashes())) {
		return errors.New("root hash does not match piece hashes")
	}
	return nil
}

// Write bencodes the descriptor to w.
func (d *Descriptor) Write(w io.Writer) error {
	return bencode.Marshal(w, *d)
}

// Save writes the descriptor to path.
func (d *Descriptor) Save(path string) error {
	var buf bytes.Buffer
	if err := d.Write(&buf); err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to save descriptor: %w", err)
	}
	return nil
}

// InfoHash returns the SHA-256 of the bencoded info dictionary.
func (d *Descriptor) InfoHash() ([HashSize]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d.Info); err != nil {
		return [HashSize]byte{}, err
	}
	return sha256.Sum256(buf.Bytes()), nil
}

// HexInfoHash returns the info hash as a hex string.
func (d *Descriptor) HexInfoHash() (string, error) {
	h, err := d.InfoHash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// NumPieces returns the number of pieces.
func (d *Descriptor) NumPieces() int {
	return len(d.Info.Pieces) / HashSize
}

// PieceHashes splits the pieces string into individual hashes.
func (d *Descriptor) PieceHashes() [][]byte {
	hashes := make([][]byte, d.NumPieces())
	for i := range hashes {
		hashes[i] = d.PieceHash(i)
	}
	return hashes
}

// PieceHash returns the expected hash of piece i.
func (d *Descriptor) PieceHash(i int) []byte {
	return []byte(d.Info.Pieces[i*HashSize : (i+1)*HashSize])
}

// PieceOffset returns the byte offset of piece i in the file.
func (d *Descriptor) PieceOffset(i int) int64 {
	return int64(i) * d.Info.PieceLength
}

// PieceSize returns the length of piece i; only the last piece may be short.
func (d *Descriptor) PieceSize(i int) int64 {
	offset := d.PieceOffset(i)
	if rest := d.Info.Length - offset; rest < d.Info.PieceLength {
		return rest
	}
	return d.Info.PieceLength
}

// VerifyPiece reports whether data is the content of piece i.
func (d *Descriptor) VerifyPiece(i int, data []byte) bool {
	if i < 0 || i >= d.NumPieces() || int64(len(data)) != d.PieceSize(i) {
		return false
	}
	sum := sha256.Sum256(data)
	return bytes.Equal(sum[:], d.PieceHash(i))
}
