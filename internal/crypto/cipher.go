// Package crypto holds the block-cipher, MAC and CRC primitives used by the
// DESFire EV1 and Ultralight C protocol engines. All functions are pure:
// session state (IV threading) lives with the callers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// ExpandTDESKey widens an 8/16/24-byte DES-family key to the 24 bytes
// required by crypto/des. 8-byte keys become K1|K1|K1 and 16-byte keys
// K1|K2|K1, matching the card's handling of single and 2-key 3DES.
func ExpandTDESKey(key []byte) ([]byte, error) {
	switch len(key) {
	case 8:
		k := make([]byte, 24)
		copy(k, key)
		copy(k[8:], key)
		copy(k[16:], key)
		return k, nil
	case 16:
		k := make([]byte, 24)
		copy(k, key)
		copy(k[16:], key[:8])
		return k, nil
	case 24:
		k := make([]byte, 24)
		copy(k, key)
		return k, nil
	default:
		return nil, fmt.Errorf("3DES key must be 8, 16 or 24 bytes, got %d", len(key))
	}
}

func tdesCipher(key []byte) (cipher.Block, error) {
	k, err := ExpandTDESKey(key)
	if err != nil {
		return nil, err
	}
	return des.NewTripleDESCipher(k)
}

// TDESEncrypt encrypts data with 3DES in CBC mode using an explicit IV.
// A nil IV means all zeros. Data must be a multiple of 8 bytes.
func TDESEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcEncrypt(block, iv, data)
}

// TDESDecrypt decrypts data with 3DES in CBC mode using an explicit IV.
func TDESDecrypt(key, iv, data []byte) ([]byte, error) {
	block, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcDecrypt(block, iv, data)
}

// AESEncrypt encrypts data with AES-128 in CBC mode using an explicit IV.
func AESEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcEncrypt(block, iv, data)
}

// AESDecrypt decrypts data with AES-128 in CBC mode using an explicit IV.
func AESDecrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcDecrypt(block, iv, data)
}

func cbcEncrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("CBC encrypt: data not block aligned (%d)", len(data))
	}
	if iv == nil {
		iv = make([]byte, bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func cbcDecrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("CBC decrypt: data not block aligned (%d)", len(data))
	}
	if iv == nil {
		iv = make([]byte, bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// LegacyDESSend enciphers data the MF3ICD40 way: each block is XORed with
// the previous ciphered block and then run through 3DES *decryption*. The
// chain starts at all zeros and is not carried between operations. The PCD
// always decrypts on this path; the card encrypts.
func LegacyDESSend(key, data []byte) ([]byte, error) {
	block, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("legacy DES send: data not block aligned (%d)", len(data))
	}
	out := make([]byte, len(data))
	prev := make([]byte, 8)
	buf := make([]byte, 8)
	for i := 0; i < len(data); i += 8 {
		for j := 0; j < 8; j++ {
			buf[j] = data[i+j] ^ prev[j]
		}
		block.Decrypt(out[i:i+8], buf)
		copy(prev, out[i:i+8])
	}
	return out, nil
}

// LegacyDESReceive deciphers data the MF3ICD40 way: each block is run
// through 3DES decryption and then XORed with the previous ciphertext
// block. The chain starts at all zeros, reset for every operation.
func LegacyDESReceive(key, data []byte) ([]byte, error) {
	block, err := tdesCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("legacy DES receive: data not block aligned (%d)", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += 8 {
		block.Decrypt(out[i:i+8], data[i:i+8])
		if i > 0 {
			for j := 0; j < 8; j++ {
				out[i+j] ^= data[i+j-8]
			}
		}
	}
	return out, nil
}

// ZeroPad returns data zero-padded to a multiple of blockSize. Data already
// aligned is returned unchanged (no extra block).
func ZeroPad(data []byte, blockSize int) []byte {
	rem := len(data) % blockSize
	if rem == 0 {
		return data
	}
	out := make([]byte, len(data)+blockSize-rem)
	copy(out, data)
	return out
}
