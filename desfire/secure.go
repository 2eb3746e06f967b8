package desfire

import (
	"bytes"

	"github.com/andrade/nfcjlib/internal/crypto"
)

// CommunicationSetting selects the secure-messaging wrap applied to one
// command or response: plain text, plain text with an appended MAC, or full
// encryption with an embedded CRC.
type CommunicationSetting int

const (
	CommPlain CommunicationSetting = iota
	CommMACed
	CommEnciphered
)

func (cs CommunicationSetting) String() string {
	switch cs {
	case CommPlain:
		return "plain"
	case CommMACed:
		return "MACed"
	case CommEnciphered:
		return "enciphered"
	default:
		return "unknown"
	}
}

// commSettingFromByte maps the wire communication-settings byte of a file
// to the host enum. Only 0, 1 and 3 are defined.
func commSettingFromByte(cs byte) (CommunicationSetting, bool) {
	switch cs {
	case 0x00:
		return CommPlain, true
	case 0x01:
		return CommMACed, true
	case 0x03:
		return CommEnciphered, true
	default:
		return CommPlain, false
	}
}

// preprocess transforms an outbound APDU into its wire form for the current
// session and updates the rolling IV. off is the number of body bytes that
// stay in clear when enciphering (e.g. the file number prefix of Credit).
// Without a session the APDU passes through untouched.
func (d *DESFire) preprocess(apdu []byte, off int, cs CommunicationSetting) ([]byte, error) {
	if d.sess == nil {
		return apdu, nil
	}

	switch cs {
	case CommPlain:
		return d.preprocessPlain(apdu)
	case CommMACed:
		return d.preprocessMACed(apdu, off)
	case CommEnciphered:
		return d.preprocessEnciphered(apdu, off)
	}
	return nil, &ArgumentError{Reason: "unknown communication setting"}
}

// In a 3K3DES/AES session every command contributes to the CMAC chain even
// when nothing is appended.
func (d *DESFire) preprocessPlain(apdu []byte) ([]byte, error) {
	if d.sess.ktype == TKTDES || d.sess.ktype == AES {
		cmac, err := d.apduCMAC(apdu)
		if err != nil {
			return nil, err
		}
		d.sess.iv = cmac
	}
	return apdu, nil
}

func (d *DESFire) preprocessMACed(apdu []byte, off int) ([]byte, error) {
	switch d.sess.ktype {
	case DES, TDES:
		mac, err := d.apduRetailMAC(apdu, off)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(apdu)+4)
		out = append(out, apdu[:len(apdu)-1]...)
		out = append(out, mac...)
		out = append(out, 0x00)
		out[4] += 4
		return out, nil
	case TKTDES, AES:
		cmac, err := d.apduCMAC(apdu)
		if err != nil {
			return nil, err
		}
		d.sess.iv = cmac
		out := make([]byte, 0, len(apdu)+8)
		out = append(out, apdu[:len(apdu)-1]...)
		out = append(out, cmac[:8]...)
		out = append(out, 0x00)
		out[4] += 8
		return out, nil
	}
	return nil, &ArgumentError{Reason: "unknown key type"}
}

func (d *DESFire) preprocessEnciphered(apdu []byte, off int) ([]byte, error) {
	ciphertext, err := d.encryptAPDU(apdu, off)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 5+off+len(ciphertext)+1)
	out = append(out, apdu[:5+off]...)
	out = append(out, ciphertext...)
	out = append(out, 0x00)
	out[4] = byte(off + len(ciphertext))

	if d.sess.ktype == TKTDES || d.sess.ktype == AES {
		bs := d.sess.ktype.BlockSize()
		iv := make([]byte, bs)
		copy(iv, ciphertext[len(ciphertext)-bs:])
		d.sess.iv = iv
	}
	return out, nil
}

// postprocess verifies and unwraps a raw response (data || SW1 || SW2).
// length is the expected plaintext length for enciphered responses and is
// ignored otherwise. Any terminal status other than OPERATION_OK, and any
// MAC or CRC mismatch, resets the session, mirroring the card.
func (d *DESFire) postprocess(resp []byte, length int, cs CommunicationSetting) ([]byte, error) {
	if sw2(resp) != StatusOperationOK {
		code := sw2(resp)
		d.reset()
		return nil, &StatusError{Code: code}
	}
	if d.sess == nil {
		return respData(resp), nil
	}

	switch cs {
	case CommPlain:
		if d.sess.ktype == DES || d.sess.ktype == TDES {
			return respData(resp), nil
		}
		// 3K3DES/AES sessions MAC even plain responses
		return d.postprocessMACed(resp)
	case CommMACed:
		return d.postprocessMACed(resp)
	case CommEnciphered:
		return d.postprocessEnciphered(resp, length)
	}
	return nil, &ArgumentError{Reason: "unknown communication setting"}
}

func (d *DESFire) postprocessMACed(resp []byte) ([]byte, error) {
	switch d.sess.ktype {
	case DES, TDES:
		if len(resp) < 6 {
			return nil, &ArgumentError{Reason: "MACed response too short"}
		}
		data := resp[:len(resp)-6]
		mac, err := retailMAC(d.sess.key, data)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(mac, resp[len(resp)-6:len(resp)-2]) {
			d.reset()
			return nil, ErrCMACMismatch
		}
		return data, nil
	case TKTDES, AES:
		// A response with fewer than 8 data bytes cannot carry a CMAC and
		// is passed through unverified. A longer response without a CMAC,
		// such as a GetVersion answer from a card that omits it, fails
		// verification.
		if len(resp) < 10 {
			return respData(resp), nil
		}
		data := resp[:len(resp)-10]
		block := make([]byte, 0, len(data)+1)
		block = append(block, data...)
		block = append(block, sw2(resp))
		cmac, err := sessionCMAC(d.sess.ktype, d.sess.key, d.sess.iv, block)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(cmac[:8], resp[len(resp)-10:len(resp)-2]) {
			d.reset()
			return nil, ErrCMACMismatch
		}
		d.sess.iv = cmac
		return data, nil
	}
	return nil, &ArgumentError{Reason: "unknown key type"}
}

func (d *DESFire) postprocessEnciphered(resp []byte, length int) ([]byte, error) {
	ciphertext := respData(resp)
	plaintext, err := recvCipher(d.sess.key, ciphertext, d.sess.ktype, d.sess.iv)
	if err != nil {
		return nil, err
	}
	if length < 0 || len(plaintext) < length {
		return nil, &ArgumentError{Reason: "enciphered response shorter than expected"}
	}

	var crc []byte
	switch d.sess.ktype {
	case DES, TDES:
		crc = crypto.CRC16(plaintext[:length])
	case TKTDES, AES:
		bs := d.sess.ktype.BlockSize()
		iv := make([]byte, bs)
		copy(iv, ciphertext[len(ciphertext)-bs:])
		d.sess.iv = iv
		// the status byte participates in the CRC
		crc = crypto.CRC32(append(append([]byte{}, plaintext[:length]...), sw2(resp)))
	}
	if len(plaintext) < length+len(crc) || !bytes.Equal(crc, plaintext[length:length+len(crc)]) {
		d.reset()
		return nil, ErrCRCMismatch
	}
	return plaintext[:length], nil
}

// apduCMAC computes the session CMAC over INS || body of an outbound APDU,
// chained on the current IV. CLA, Lc and the Le trailer stay out.
func (d *DESFire) apduCMAC(apdu []byte) ([]byte, error) {
	var block []byte
	if len(apdu) == 5 {
		block = []byte{apdu[1]}
	} else {
		block = make([]byte, 0, len(apdu)-5)
		block = append(block, apdu[1])
		block = append(block, apdu[5:len(apdu)-1]...)
	}
	return sessionCMAC(d.sess.ktype, d.sess.key, d.sess.iv, block)
}

func sessionCMAC(ktype KeyType, key, iv, block []byte) ([]byte, error) {
	switch ktype {
	case TKTDES:
		return crypto.TDESCMAC(key, iv, block)
	case AES:
		return crypto.AESCMAC(key, iv, block)
	}
	return nil, &ArgumentError{Reason: "CMAC requires a 3K3DES or AES session"}
}

// apduRetailMAC computes the legacy 4-byte MAC over the body of an outbound
// APDU, skipping off clear-text header bytes.
func (d *DESFire) apduRetailMAC(apdu []byte, off int) ([]byte, error) {
	var data []byte
	if len(apdu) > 6+off {
		data = apdu[5+off : len(apdu)-1]
	}
	return retailMAC(d.sess.key, data)
}

// retailMAC is the MF3ICD40 MAC: zero-pad to 8-byte blocks, encipher with
// send-mode 3DES decryption, take the first 4 bytes of the last block.
func retailMAC(key, data []byte) ([]byte, error) {
	block := crypto.ZeroPad(data, 8)
	if len(block) == 0 {
		block = make([]byte, 8)
	}
	ct, err := crypto.LegacyDESSend(key, block)
	if err != nil {
		return nil, err
	}
	return ct[len(ct)-8 : len(ct)-4], nil
}

// encryptAPDU builds the enciphered body: payload (minus the clear header),
// CRC, zero padding, encrypted under the session key and IV.
func (d *DESFire) encryptAPDU(apdu []byte, off int) ([]byte, error) {
	payload := apdu[5+off : len(apdu)-1]

	var crc []byte
	switch d.sess.ktype {
	case DES, TDES:
		crc = crypto.CRC16(payload)
	case TKTDES, AES:
		// INS and the full body (clear header included) feed the CRC
		block := make([]byte, 0, len(apdu)-5)
		block = append(block, apdu[1])
		block = append(block, apdu[5:len(apdu)-1]...)
		crc = crypto.CRC32(block)
	}

	plaintext := make([]byte, 0, len(payload)+len(crc))
	plaintext = append(plaintext, payload...)
	plaintext = append(plaintext, crc...)
	plaintext = crypto.ZeroPad(plaintext, d.sess.ktype.BlockSize())

	return sendCipher(d.sess.key, plaintext, d.sess.ktype, d.sess.iv)
}
