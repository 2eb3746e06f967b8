// Package desfire drives a MIFARE DESFire EV1 card over ISO 7816-4 APDUs.
//
// A DESFire value wraps a Transport (one APDU exchange at a time) and keeps
// the secure-session state: the authenticated key, the session key and the
// rolling IV that 3K3DES and AES sessions thread through every command and
// response. All operations are strictly sequential; the card is half-duplex
// and a single mutex is held across each full command round trip, including
// multi-frame loops.
package desfire

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Transport is one APDU channel to a card. The response includes the two
// trailing status bytes. Implementations live outside this package; see
// the pcsc package for the PC/SC binding.
type Transport interface {
	Transmit(apdu []byte) ([]byte, error)
}

// fakeNo marks the file cache as empty.
const fakeNo = -1

// session is the state established by a successful mutual authentication.
// A nil *session means "not authenticated".
type session struct {
	ktype KeyType
	keyNo byte
	key   []byte // session key, 8/16/24 bytes per type
	iv    []byte // rolling IV, 3K3DES/AES only; nil for legacy DES/2K3DES
}

func (s *session) wipe() {
	if s == nil {
		return
	}
	for i := range s.key {
		s.key[i] = 0
	}
	for i := range s.iv {
		s.iv[i] = 0
	}
}

// DESFire is a client for one DESFire EV1 card.
type DESFire struct {
	mu   sync.Mutex
	card Transport

	sess *session
	aid  []byte // currently selected 3-byte AID; zeros = PICC level

	// one-entry file settings cache
	fileNo   int
	fileSett []byte

	code byte // status byte of the previous command
}

// New returns a client for a card reachable through the given transport.
func New(card Transport) *DESFire {
	return &DESFire{
		card:   card,
		aid:    make([]byte, 3),
		fileNo: fakeNo,
	}
}

// LastCode returns the raw status byte of the previous command, for
// diagnostics after a boolean-style failure.
func (d *DESFire) LastCode() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.code
}

// Disconnect resets the session, zeroizes key material and closes the
// transport if it supports closing. Safe to call more than once.
func (d *DESFire) Disconnect() error {
	d.mu.Lock()
	d.reset()
	for i := range d.aid {
		d.aid[i] = 0
	}
	d.mu.Unlock()

	if c, ok := d.card.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// reset drops the authentication state. Called when the session is
// invalidated: AID selection, change of the authenticated key, or any
// non-OK terminal status. The selected AID is kept.
func (d *DESFire) reset() {
	d.sess.wipe()
	d.sess = nil
	d.fileNo = fakeNo
	d.fileSett = nil
}

// transmit performs one APDU exchange and records the status byte. The
// returned slice is the full response including SW1 SW2.
func (d *DESFire) transmit(apdu []byte) ([]byte, error) {
	resp, err := d.card.Transmit(apdu)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	if len(resp) < 2 {
		return nil, &TransportError{Cause: fmt.Errorf("short response: %d bytes", len(resp))}
	}
	d.code = resp[len(resp)-1]
	slog.Debug("apdu exchange",
		"cmd", strings.ToUpper(hex.EncodeToString(apdu)),
		"resp", strings.ToUpper(hex.EncodeToString(resp)))
	return resp, nil
}

// continuation requests the next frame of a chained response.
func (d *DESFire) continuation() ([]byte, error) {
	return d.transmit([]byte{0x90, insAdditionalFrame, 0x00, 0x00, 0x00})
}

// sw2 extracts the trailing status byte of a raw response.
func sw2(resp []byte) byte {
	return resp[len(resp)-1]
}

// respData strips the two status bytes of a raw response.
func respData(resp []byte) []byte {
	return resp[:len(resp)-2]
}
