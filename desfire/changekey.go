package desfire

import (
	"bytes"

	"github.com/andrade/nfcjlib/internal/crypto"
)

// ChangeKey changes any key stored on the card, setting its version to
// zero. oldKey is only required when the key being changed differs from the
// authenticated one; pass nil otherwise.
func (d *DESFire) ChangeKey(keyNo byte, newType KeyType, newKey, oldKey []byte) error {
	return d.ChangeKeyVersion(keyNo, 0x00, newType, newKey, oldKey)
}

// ChangeKeyVersion changes a key and sets its version. For AES keys the
// version travels as a separate byte; for DES-family keys it is encoded
// into the least significant bit of each of the first 8 key bytes.
//
// At PICC level (AID 00 00 00) only key 0 exists and the key number is ORed
// with 0x40 (3K3DES) or 0x80 (AES) to switch the master key cipher. If the
// changed key is the authenticated one, the card drops the authentication
// and so does the session.
func (d *DESFire) ChangeKeyVersion(keyNo, keyVersion byte, newType KeyType, newKey, oldKey []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess == nil {
		return ErrNotAuthenticated
	}
	if err := d.checkChangeKeyArgs(keyNo, newType, newKey, oldKey); err != nil {
		return err
	}

	sess := d.sess
	nklen := 16
	if newType == TKTDES {
		nklen = 24
	}

	var plaintext []byte
	switch sess.ktype {
	case DES, TDES:
		if newType == TKTDES {
			plaintext = make([]byte, 32)
		} else {
			plaintext = make([]byte, 24)
		}
	case TKTDES, AES:
		plaintext = make([]byte, 32)
	}

	newKey = append([]byte{}, newKey...)
	if newType == AES {
		plaintext[16] = keyVersion
	} else {
		setKeyVersion(newKey, 0, len(newKey), keyVersion)
	}
	copy(plaintext, newKey)
	if newType == DES {
		// single DES keys ride as 16 bytes, halves duplicated
		copy(plaintext[8:], newKey)
		newKey = append([]byte{}, plaintext[:16]...)
	}

	// switching the PICC master key cipher rides on the key number
	if isPICCLevel(d.aid) {
		switch newType {
		case TKTDES:
			keyNo |= 0x40
		case AES:
			keyNo |= 0x80
		}
	}

	changingOther := keyNo&0x0F != sess.keyNo&0x0F
	if changingOther {
		for i := 0; i < len(newKey); i++ {
			plaintext[i] ^= oldKey[i%len(oldKey)]
		}
	}

	aesVersionByte := 0
	if newType == AES {
		aesVersionByte = 1
	}

	var ciphertext []byte
	var err error
	switch sess.ktype {
	case DES, TDES:
		crc := crypto.CRC16(plaintext[:nklen+aesVersionByte])
		copy(plaintext[nklen+aesVersionByte:], crc)
		if changingOther {
			crc = crypto.CRC16(newKey)
			copy(plaintext[nklen+aesVersionByte+2:], crc)
		}
		ciphertext, err = sendCipher(sess.key, plaintext, sess.ktype, nil)
	case TKTDES, AES:
		block := make([]byte, 0, 2+nklen+aesVersionByte)
		block = append(block, insChangeKey, keyNo)
		block = append(block, plaintext[:nklen+aesVersionByte]...)
		crc := crypto.CRC32(block)
		copy(plaintext[nklen+aesVersionByte:], crc)
		if changingOther {
			crc = crypto.CRC32(newKey)
			copy(plaintext[nklen+aesVersionByte+4:], crc)
		}
		ciphertext, err = sendCipher(sess.key, plaintext, sess.ktype, sess.iv)
		if err == nil {
			bs := sess.ktype.BlockSize()
			iv := make([]byte, bs)
			copy(iv, ciphertext[len(ciphertext)-bs:])
			sess.iv = iv
		}
	}
	if err != nil {
		return err
	}

	apdu := make([]byte, 0, 7+len(ciphertext))
	apdu = append(apdu, 0x90, insChangeKey, 0x00, 0x00, byte(1+len(ciphertext)), keyNo)
	apdu = append(apdu, ciphertext...)
	apdu = append(apdu, 0x00)

	resp, err := d.transmit(apdu)
	if err != nil {
		return err
	}
	if sw2(resp) != StatusOperationOK {
		code := sw2(resp)
		d.reset()
		return &StatusError{INS: insChangeKey, Code: code}
	}
	if keyNo&0x0F == sess.keyNo&0x0F {
		// the authenticated key changed under us
		d.reset()
		return nil
	}
	_, err = d.postprocess(resp, 0, CommPlain)
	return wrapINS(err, insChangeKey)
}

// checkChangeKeyArgs catches argument mix-ups before any key material goes
// to the card.
func (d *DESFire) checkChangeKeyArgs(keyNo byte, newType KeyType, newKey, oldKey []byte) error {
	if err := validateKey(newKey, newType); err != nil {
		return err
	}
	if isPICCLevel(d.aid) && keyNo&0x0F != 0x00 {
		return &ArgumentError{Reason: "only key 0 exists at PICC level"}
	}
	if keyNo&0x0F != d.sess.keyNo&0x0F {
		if len(oldKey) != d.sess.ktype.KeyLen() {
			return &ArgumentError{Reason: "old key missing or wrong length for changing a different key"}
		}
	}
	return nil
}

func isPICCLevel(aid []byte) bool {
	return bytes.Equal(aid, []byte{0x00, 0x00, 0x00})
}
