// Package ultralightc manipulates MIFARE Ultralight C tags: 3DES mutual
// authentication, 4-byte page access and the permuted secret-key update.
// Commands ride in the reader's pseudo-APDU wrapping (CLA 0xFF).
package ultralightc

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/andrade/nfcjlib/internal/crypto"
)

// Transport is one APDU channel to a card. The response includes the two
// trailing status bytes.
type Transport interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Page ranges of the 3DES-secured Ultralight C memory map.
const (
	lastPage      = 43 // pages 44..47 hold the key and are never readable
	firstUserPage = 4
	lastUserPage  = 39
)

// ErrAuthFailed is returned when the tag rejects the handshake or answers
// with the wrong nonce.
var ErrAuthFailed = errors.New("ultralightc: authentication failed")

// Tag is a client for one Ultralight C tag.
type Tag struct {
	card Transport
}

// New returns a client for a tag reachable through the given transport.
func New(card Transport) *Tag {
	return &Tag{card: card}
}

// Authenticate runs the 3DES mutual authentication with the 16-byte secret
// key K1||K2.
func (t *Tag) Authenticate(key []byte) error {
	if len(key) != 16 {
		return fmt.Errorf("ultralightc: key must be 16 bytes, got %d", len(key))
	}

	// first exchange: INS 0x1A starts the handshake
	r1, err := t.card.Transmit([]byte{0xFF, 0xEF, 0x00, 0x00, 0x02, 0x1A, 0x00})
	if err != nil {
		return err
	}
	if len(r1) < 9 || r1[0] != 0xAF {
		return ErrAuthFailed
	}

	encRandB := r1[1:9]
	randB, err := crypto.TDESDecrypt(key, nil, encRandB)
	if err != nil {
		return err
	}

	randA := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, randA); err != nil {
		return err
	}

	// second exchange: E(randA || rol(randB)) chained on the tag's ciphertext
	plaintext := make([]byte, 0, 16)
	plaintext = append(plaintext, randA...)
	plaintext = append(plaintext, rotateLeft(randB)...)
	encRands, err := crypto.TDESEncrypt(key, encRandB, plaintext)
	if err != nil {
		return err
	}

	apdu := make([]byte, 0, 22)
	apdu = append(apdu, 0xFF, 0xEF, 0x00, 0x00, 0x11, 0xAF)
	apdu = append(apdu, encRands...)
	r2, err := t.card.Transmit(apdu)
	if err != nil {
		return err
	}
	if len(r2) < 9 || r2[0] != 0x00 {
		return ErrAuthFailed
	}

	// the tag proves the key by returning E(rol(randA))
	iv := encRands[8:16]
	randAr, err := crypto.TDESDecrypt(key, iv, r2[1:9])
	if err != nil {
		return err
	}
	if !bytes.Equal(randAr, rotateLeft(randA)) {
		return ErrAuthFailed
	}
	return nil
}

// ReadPage reads one 4-byte page (0..43).
func (t *Tag) ReadPage(page int) ([]byte, error) {
	if page < 0 || page > lastPage {
		return nil, fmt.Errorf("ultralightc: page %d out of range", page)
	}
	resp, err := t.card.Transmit([]byte{0xFF, 0xB0, 0x00, byte(page), 0x04})
	if err != nil {
		return nil, err
	}
	if !swOK(resp) {
		return nil, statusError("read", page, resp)
	}
	return resp[:len(resp)-2], nil
}

// UpdatePage writes one 4-byte user page (4..39).
func (t *Tag) UpdatePage(page int, data []byte) error {
	if page < firstUserPage || page > lastUserPage {
		return fmt.Errorf("ultralightc: page %d outside user memory", page)
	}
	if len(data) != 4 {
		return fmt.Errorf("ultralightc: page data must be 4 bytes, got %d", len(data))
	}
	return t.updatePage(page, data)
}

func (t *Tag) updatePage(page int, data []byte) error {
	apdu := make([]byte, 0, 9)
	apdu = append(apdu, 0xFF, 0xD6, 0x00, byte(page), 0x04)
	apdu = append(apdu, data...)
	resp, err := t.card.Transmit(apdu)
	if err != nil {
		return err
	}
	if !swOK(resp) {
		return statusError("update", page, resp)
	}
	return nil
}

// ChangeKey writes a new 16-byte secret key into pages 44..47. The tag
// stores the key halves byte-reversed, so each page carries four key bytes
// in descending order. Re-authenticate with the new key afterwards.
func (t *Tag) ChangeKey(newKey []byte) error {
	if len(newKey) != 16 {
		return fmt.Errorf("ultralightc: key must be 16 bytes, got %d", len(newKey))
	}

	pages := []struct {
		page int
		data []byte
	}{
		{0x2C, []byte{newKey[7], newKey[6], newKey[5], newKey[4]}},
		{0x2D, []byte{newKey[3], newKey[2], newKey[1], newKey[0]}},
		{0x2E, []byte{newKey[15], newKey[14], newKey[13], newKey[12]}},
		{0x2F, []byte{newKey[11], newKey[10], newKey[9], newKey[8]}},
	}
	for _, p := range pages {
		if err := t.updatePage(p.page, p.data); err != nil {
			return err
		}
	}
	return nil
}

// SetAuth0 sets the page from which authentication is required. 48 disables
// the restriction.
func (t *Tag) SetAuth0(page int) error {
	if page < 0 || page > 48 {
		return fmt.Errorf("ultralightc: auth0 page %d out of range", page)
	}
	return t.updatePage(0x2A, []byte{byte(page), 0x00, 0x00, 0x00})
}

// SetAuth1 selects whether the restricted range is write-only protected
// (allowRead true) or fully protected.
func (t *Tag) SetAuth1(allowRead bool) error {
	var b byte
	if allowRead {
		b = 0x01
	}
	return t.updatePage(0x2B, []byte{b, 0x00, 0x00, 0x00})
}

func swOK(resp []byte) bool {
	n := len(resp)
	return n >= 2 && resp[n-2] == 0x90 && resp[n-1] == 0x00
}

func statusError(op string, page int, resp []byte) error {
	n := len(resp)
	return fmt.Errorf("ultralightc: %s page %d failed (SW=%02X%02X)", op, page, resp[n-2], resp[n-1])
}

func rotateLeft(a []byte) []byte {
	out := make([]byte, len(a))
	copy(out, a[1:])
	out[len(a)-1] = a[0]
	return out
}
