package slot

import (
	"errors"
	"fmt"
)

const (
	keySize       = 32
	signatureSize = 64
	versionPrefix = 0x80
	headerSize    = 3
)

var (
	ErrMessageTooShort = errors.New("message too short")
	ErrNoAccountKeys   = errors.New("message has no account keys")
	ErrShortVec        = errors.New("malformed compact-u16")
)

// encodeShortVec encodes n as a compact-u16.
func encodeShortVec(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// decodeShortVec returns the value and the number of bytes it took.
func decodeShortVec(b []byte) (int, int, error) {
	n := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, ErrShortVec
		}
		n |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return n, i + 1, nil
		}
	}
	return 0, 0, ErrShortVec
}

// layout locates the account keys and the recent blockhash inside a compiled
// message, legacy or versioned.
type layout struct {
	keysOffset      int
	numKeys         int
	blockhashOffset int
}

func parseLayout(msg []byte) (layout, error) {
	off := 0
	if len(msg) > 0 && msg[0]&versionPrefix != 0 {
		off++
	}
	off += headerSize
	if len(msg) < off+1 {
		return layout{}, ErrMessageTooShort
	}
	n, size, err := decodeShortVec(msg[off:])
	if err != nil {
		return layout{}, err
	}
	if n == 0 {
		return layout{}, ErrNoAccountKeys
	}
	off += size
	l := layout{
		keysOffset:      off,
		numKeys:         n,
		blockhashOffset: off + n*keySize,
	}
	if len(msg) < l.blockhashOffset+keySize {
		return layout{}, fmt.Errorf("%w: %d bytes for %d keys", ErrMessageTooShort, len(msg), n)
	}
	return l, nil
}

// feePayer returns the first account key, which is the signer.
func feePayer(msg []byte) ([]byte, error) {
	l, err := parseLayout(msg)
	if err != nil {
		return nil, err
	}
	return msg[l.keysOffset : l.keysOffset+keySize], nil
}

// withBlockhash returns a copy of msg with its recent blockhash replaced.
func withBlockhash(msg, blockhash []byte) ([]byte, error) {
	if len(blockhash) != keySize {
		return nil, fmt.Errorf("blockhash must be %d bytes, got %d", keySize, len(blockhash))
	}
	l, err := parseLayout(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(msg))
	copy(out, msg)
	copy(out[l.blockhashOffset:], blockhash)
	return out, nil
}
