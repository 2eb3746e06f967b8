package desfire

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/andrade/nfcjlib/internal/crypto"
)

// Authenticate performs the mutual challenge-response handshake with key
// number keyNo and installs the resulting session. The returned session key
// is a copy; the caller does not need it for further operations.
//
// The card enciphers a random nonce B under the shared key; the host answers
// with E(randA || rol(randB)) chained on the previous ciphertext, and the
// card proves knowledge of the key by returning E(rol(randA)). The session
// key is derived from both nonces by a type-specific concatenation and the
// session IV starts at zeros.
func (d *DESFire) Authenticate(key []byte, keyNo byte, ktype KeyType) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := validateKey(key, ktype); err != nil {
		return nil, err
	}
	k := make([]byte, len(key))
	copy(k, key)
	if ktype != AES {
		// strip version bits from DES-family keys
		setKeyVersion(k, 0, len(k), 0x00)
	}

	// the card drops its authentication state as soon as a new handshake
	// starts, so a failed attempt leaves both sides unauthenticated
	randB, lastCT, err := d.authChallenge(k, keyNo, ktype)
	if err != nil {
		d.reset()
		return nil, err
	}

	randA := make([]byte, len(randB))
	if _, err := io.ReadFull(rand.Reader, randA); err != nil {
		d.reset()
		return nil, &AuthError{Step: "challenge", Cause: err}
	}

	if err := d.authResponse(k, ktype, randA, randB, lastCT); err != nil {
		d.reset()
		return nil, err
	}

	skey := sessionKey(randA, randB, ktype)
	d.installSession(ktype, keyNo, skey)

	out := make([]byte, len(skey))
	copy(out, skey)
	return out, nil
}

// installSession replaces any previous session with a freshly derived one.
// The IV starts at zeros; legacy DES/2K3DES sessions carry no IV at all.
func (d *DESFire) installSession(ktype KeyType, keyNo byte, skey []byte) {
	d.sess.wipe()
	sess := &session{ktype: ktype, keyNo: keyNo, key: skey}
	if ktype == TKTDES || ktype == AES {
		sess.iv = make([]byte, ktype.BlockSize())
	}
	d.sess = sess
	d.fileNo = fakeNo
	d.fileSett = nil
}

// authChallenge sends the first authentication APDU and deciphers the
// card's nonce. It returns randB and the last ciphertext block of the
// card's reply, which seeds the next encryption.
func (d *DESFire) authChallenge(key []byte, keyNo byte, ktype KeyType) (randB, lastCT []byte, err error) {
	ins := insAuthenticateLegacy
	switch ktype {
	case TKTDES:
		ins = insAuthenticate3K3DES
	case AES:
		ins = insAuthenticateAES
	}

	resp, err := d.transmit([]byte{0x90, ins, 0x00, 0x00, 0x01, keyNo, 0x00})
	if err != nil {
		return nil, nil, &AuthError{Step: "challenge", Cause: err}
	}
	if sw2(resp) != StatusAdditionalFrame {
		return nil, nil, &AuthError{Step: "challenge", Code: sw2(resp)}
	}

	data := respData(resp)
	bs := ktype.BlockSize()
	// 3K3DES nonces span two cipher blocks
	nonceLen := bs
	if ktype == TKTDES {
		nonceLen = 16
	}
	if len(data) != nonceLen {
		return nil, nil, &AuthError{Step: "challenge", Cause: fmt.Errorf("challenge length %d, want %d", len(data), nonceLen)}
	}

	randB, err = recvCipher(key, data, ktype, nil)
	if err != nil {
		return nil, nil, &AuthError{Step: "challenge", Cause: err}
	}
	return randB, data[len(data)-bs:], nil
}

// authResponse completes the handshake: enciphers randA || rol(randB),
// exchanges it, and verifies the card's rol(randA).
func (d *DESFire) authResponse(key []byte, ktype KeyType, randA, randB, lastCT []byte) error {
	plaintext := make([]byte, 0, 2*len(randA))
	plaintext = append(plaintext, randA...)
	plaintext = append(plaintext, rotateLeft(randB)...)

	tok2, err := sendCipher(key, plaintext, ktype, lastCT)
	if err != nil {
		return &AuthError{Step: "response", Cause: err}
	}

	apdu := make([]byte, 0, 6+len(tok2))
	apdu = append(apdu, 0x90, insAdditionalFrame, 0x00, 0x00, byte(len(tok2)))
	apdu = append(apdu, tok2...)
	apdu = append(apdu, 0x00)

	resp, err := d.transmit(apdu)
	if err != nil {
		return &AuthError{Step: "response", Cause: err}
	}
	if sw2(resp) != StatusOperationOK {
		return &AuthError{Step: "response", Code: sw2(resp)}
	}

	bs := ktype.BlockSize()
	iv2 := tok2[len(tok2)-bs:]
	randAr, err := recvCipher(key, respData(resp), ktype, iv2)
	if err != nil {
		return &AuthError{Step: "response", Cause: err}
	}
	if !bytes.Equal(randAr, rotateLeft(randA)) {
		return &AuthError{Step: "response", Cause: ErrAuthRejected}
	}
	return nil
}

// AuthHandshake exposes the two halves of the mutual authentication
// separately, for callers that need to act between the message exchanges.
// Begin sends the first APDU and deciphers the card nonce; Complete runs
// the second exchange and installs the session.
type AuthHandshake struct {
	d      *DESFire
	ktype  KeyType
	keyNo  byte
	key    []byte
	randB  []byte
	lastCT []byte
	done   bool
}

// BeginAuthentication starts a handshake with the given key. The returned
// handshake must be completed (or dropped) before any other command is
// issued; interleaving other traffic desynchronizes the card.
func (d *DESFire) BeginAuthentication(key []byte, keyNo byte, ktype KeyType) (*AuthHandshake, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := validateKey(key, ktype); err != nil {
		return nil, err
	}
	k := make([]byte, len(key))
	copy(k, key)
	if ktype != AES {
		setKeyVersion(k, 0, len(k), 0x00)
	}

	randB, lastCT, err := d.authChallenge(k, keyNo, ktype)
	if err != nil {
		d.reset()
		return nil, err
	}
	return &AuthHandshake{d: d, ktype: ktype, keyNo: keyNo, key: k, randB: randB, lastCT: lastCT}, nil
}

// Complete finishes the handshake and returns the session key.
func (h *AuthHandshake) Complete() ([]byte, error) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()

	if h.done {
		return nil, &ArgumentError{Reason: "handshake already completed"}
	}
	h.done = true

	randA := make([]byte, len(h.randB))
	if _, err := io.ReadFull(rand.Reader, randA); err != nil {
		h.d.reset()
		return nil, &AuthError{Step: "response", Cause: err}
	}
	if err := h.d.authResponse(h.key, h.ktype, randA, h.randB, h.lastCT); err != nil {
		h.d.reset()
		return nil, err
	}

	skey := sessionKey(randA, h.randB, h.ktype)
	h.d.installSession(h.ktype, h.keyNo, skey)

	out := make([]byte, len(skey))
	copy(out, skey)
	return out, nil
}

// sessionKey derives the session key from the two nonces by type-specific
// byte concatenation.
func sessionKey(randA, randB []byte, ktype KeyType) []byte {
	var skey []byte
	switch ktype {
	case DES:
		skey = concat(randA[0:4], randB[0:4])
	case TDES:
		skey = concat(randA[0:4], randB[0:4], randA[4:8], randB[4:8])
	case TKTDES:
		skey = concat(randA[0:4], randB[0:4], randA[6:10], randB[6:10], randA[12:16], randB[12:16])
	case AES:
		skey = concat(randA[0:4], randB[0:4], randA[12:16], randB[12:16])
	}
	return skey
}

// sendCipher enciphers outbound data under the session rules for the key
// type. Legacy DES/2K3DES uses MF3ICD40 send-mode decryption with a per
// operation zero IV; 3K3DES and AES use CBC encryption chained on iv.
func sendCipher(key, data []byte, ktype KeyType, iv []byte) ([]byte, error) {
	switch ktype {
	case DES, TDES:
		return crypto.LegacyDESSend(key, data)
	case TKTDES:
		return crypto.TDESEncrypt(key, iv, data)
	case AES:
		return crypto.AESEncrypt(key, iv, data)
	}
	return nil, &ArgumentError{Reason: "unknown key type"}
}

// recvCipher deciphers inbound data, the inverse of sendCipher.
func recvCipher(key, data []byte, ktype KeyType, iv []byte) ([]byte, error) {
	switch ktype {
	case DES, TDES:
		return crypto.LegacyDESReceive(key, data)
	case TKTDES:
		return crypto.TDESDecrypt(key, iv, data)
	case AES:
		return crypto.AESDecrypt(key, iv, data)
	}
	return nil, &ArgumentError{Reason: "unknown key type"}
}

// rotateLeft rotates a one byte to the left.
func rotateLeft(a []byte) []byte {
	out := make([]byte, len(a))
	copy(out, a[1:])
	out[len(a)-1] = a[0]
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
