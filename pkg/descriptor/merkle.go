package descriptor

import (
	"crypto/sha256"
	"errors"
	"io"
)

// HashSize is the size of a piece hash.
const HashSize = sha256.Size

// HashPieces reads r to the end and returns the SHA-256 hash of every
// pieceLength-sized piece, along with the total number of bytes read. The
// last piece may be shorter.
func HashPieces(r io.Reader, pieceLength int64) ([][]byte, int64, error) {
	if pieceLength <= 0 {
		return nil, 0, errors.New("piece length must be positive")
	}

	var (
		hashes [][]byte
		total  int64
	)
	buffer := make([]byte, pieceLength)
	for {
		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			hash := sha256.Sum256(buffer[:n])
			hashes = append(hashes, hash[:])
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return hashes, total, nil
}

// MerkleRoot folds piece hashes pairwise into a single root hash. An odd
// node at the end of a level is carried up unchanged.
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return nil
	}

	level := hashes
	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}
