package desfire

import (
	"bytes"
	"fmt"
)

// ChangeKeySettings changes the PICC or application master key settings,
// depending on the selected AID. The settings byte travels enciphered.
// Requires a preceding authentication with the master key.
func (d *DESFire) ChangeKeySettings(keySett byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	apdu := []byte{0x90, insChangeKeySettings, 0x00, 0x00, 0x01, keySett, 0x00}
	apdu, err := d.preprocess(apdu, 0, CommEnciphered)
	if err != nil {
		return err
	}
	resp, err := d.transmit(apdu)
	if err != nil {
		return err
	}
	_, err = d.postprocess(resp, 0, CommPlain)
	return wrapINS(err, insChangeKeySettings)
}

// GetKeySettings returns the key settings byte and the maximum number of
// keys of the selected application (or the PICC).
func (d *DESFire) GetKeySettings() (settings, maxKeys byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ret, err := d.plainCommand(insGetKeySettings, nil)
	if err != nil {
		return 0, 0, err
	}
	if len(ret) < 2 {
		return 0, 0, &ArgumentError{Reason: "key settings response too short"}
	}
	return ret[0], ret[1], nil
}

// GetKeyVersion reads the stored version of a key. Changing a key is the
// only way to set it.
func (d *DESFire) GetKeyVersion(keyNo byte) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ret, err := d.plainCommand(insGetKeyVersion, []byte{keyNo})
	if err != nil {
		return 0, err
	}
	if len(ret) != 1 {
		return 0, &ArgumentError{Reason: "key version response too short"}
	}
	return ret[0], nil
}

// CreateApplication creates an application under the PICC-level AID.
// amks is the application master key settings byte; nok the number of keys,
// optionally ORed with 0x40 (3K3DES) or 0x80 (AES) to select the cipher.
func (d *DESFire) CreateApplication(aid []byte, amks, nok byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(aid) != 3 {
		return &ArgumentError{Reason: "AID must be 3 bytes"}
	}
	body := append(append([]byte{}, aid...), amks, nok)
	_, err := d.plainCommand(insCreateApplication, body)
	return err
}

// DeleteApplication deletes an application. If the deleted application is
// the selected one, the session is reset.
func (d *DESFire) DeleteApplication(aid []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(aid) != 3 {
		return &ArgumentError{Reason: "AID must be 3 bytes"}
	}
	_, err := d.plainCommand(insDeleteApplication, append([]byte{}, aid...))
	if err != nil {
		return err
	}
	if bytes.Equal(aid, d.aid) {
		d.reset()
	}
	return nil
}

// GetApplicationIDs lists the AIDs of all active applications. The
// PICC-level AID must be selected. Responses longer than one frame are
// chained with ADDITIONAL_FRAME.
func (d *DESFire) GetApplicationIDs() ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := d.chainedPlainCommand(insGetApplicationIDs, nil)
	if err != nil {
		return nil, err
	}
	if len(raw)%3 != 0 {
		return nil, &ArgumentError{Reason: "AID list length not a multiple of 3"}
	}
	aids := make([][]byte, 0, len(raw)/3)
	for i := 0; i < len(raw); i += 3 {
		aid := make([]byte, 3)
		copy(aid, raw[i:i+3])
		aids = append(aids, aid)
	}
	return aids, nil
}

// FreeMemory returns the free user memory on the card in bytes.
func (d *DESFire) FreeMemory() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ret, err := d.plainCommand(insFreeMemory, nil)
	if err != nil {
		return 0, err
	}
	if len(ret) < 3 {
		return 0, &ArgumentError{Reason: "free memory response too short"}
	}
	return int(ret[0]) | int(ret[1])<<8 | int(ret[2])<<16, nil
}

// GetDFNames returns the raw DF-names records of the applications carrying
// an ISO DF name.
func (d *DESFire) GetDFNames() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.chainedPlainCommand(insGetDFNames, nil)
}

// SelectApplication selects the PICC or an application for further access.
// The authentication state is lost whenever the card answers, even with an
// error status.
func (d *DESFire) SelectApplication(aid []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(aid) != 3 {
		return &ArgumentError{Reason: "AID must be 3 bytes"}
	}
	apdu := []byte{0x90, insSelectApplication, 0x00, 0x00, 0x03, aid[0], aid[1], aid[2], 0x00}
	resp, err := d.transmit(apdu)
	if err != nil {
		return err
	}
	d.reset()
	if sw2(resp) != StatusOperationOK {
		return &StatusError{INS: insSelectApplication, Code: sw2(resp)}
	}
	copy(d.aid, aid)
	return nil
}

// FormatPICC releases all allocated user memory: every application and file
// is deleted. The PICC master key and its settings survive. Requires a
// preceding authentication with the PICC master key.
func (d *DESFire) FormatPICC() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.plainCommand(insFormatPICC, nil)
	return err
}

// GetVersion returns the raw 28-byte manufacturing data, collected over the
// three-frame exchange. Use ParseVersion for a decoded form.
func (d *DESFire) GetVersion() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.chainedPlainCommand(insGetVersion, nil)
}

// GetCardUID returns the real 7-byte UID, which stays hidden from the
// anticollision loop on randomized-UID cards. Requires authentication; the
// response is always enciphered.
func (d *DESFire) GetCardUID() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess == nil {
		return nil, ErrNotAuthenticated
	}
	apdu := []byte{0x90, insGetCardUID, 0x00, 0x00, 0x00}
	apdu, err := d.preprocess(apdu, 0, CommPlain)
	if err != nil {
		return nil, err
	}
	resp, err := d.transmit(apdu)
	if err != nil {
		return nil, err
	}
	uid, err := d.postprocess(resp, 7, CommEnciphered)
	return uid, wrapINS(err, insGetCardUID)
}

// plainCommand runs one PLAIN-wrapped command with an optional body and
// postprocesses the single-frame response.
func (d *DESFire) plainCommand(ins byte, body []byte) ([]byte, error) {
	apdu := buildAPDU(ins, body)
	apdu, err := d.preprocess(apdu, 0, CommPlain)
	if err != nil {
		return nil, err
	}
	resp, err := d.transmit(apdu)
	if err != nil {
		return nil, err
	}
	ret, err := d.postprocess(resp, 0, CommPlain)
	return ret, wrapINS(err, ins)
}

// chainedPlainCommand runs a PLAIN-wrapped command whose response may span
// several frames. Data portions are concatenated; the intermediate status
// bytes are dropped and postprocessing runs once on the aggregate.
func (d *DESFire) chainedPlainCommand(ins byte, body []byte) ([]byte, error) {
	apdu := buildAPDU(ins, body)
	apdu, err := d.preprocess(apdu, 0, CommPlain)
	if err != nil {
		return nil, err
	}
	resp, err := d.transmit(apdu)
	if err != nil {
		return nil, err
	}

	var full []byte
	full = append(full, respData(resp)...)
	for sw2(resp) == StatusAdditionalFrame {
		resp, err = d.continuation()
		if err != nil {
			return nil, err
		}
		full = append(full, respData(resp)...)
	}
	full = append(full, resp[len(resp)-2:]...)

	ret, err := d.postprocess(full, 0, CommPlain)
	return ret, wrapINS(err, ins)
}

// buildAPDU frames a native DESFire command: 90 INS 00 00 [Lc body] 00.
func buildAPDU(ins byte, body []byte) []byte {
	if len(body) == 0 {
		return []byte{0x90, ins, 0x00, 0x00, 0x00}
	}
	apdu := make([]byte, 0, 6+len(body))
	apdu = append(apdu, 0x90, ins, 0x00, 0x00, byte(len(body)))
	apdu = append(apdu, body...)
	apdu = append(apdu, 0x00)
	return apdu
}

// wrapINS attaches the command code to a bare StatusError.
func wrapINS(err error, ins byte) error {
	if se, ok := err.(*StatusError); ok && se.INS == 0 {
		se.INS = ins
	}
	return err
}

// Version is the decoded GetVersion response.
type Version struct {
	HWVendorID    byte
	HWType        byte
	HWSubType     byte
	HWMajor       byte
	HWMinor       byte
	HWStorageSize byte
	HWProtocol    byte

	SWVendorID    byte
	SWType        byte
	SWSubType     byte
	SWMajor       byte
	SWMinor       byte
	SWStorageSize byte
	SWProtocol    byte

	UID            []byte // 7-byte UID
	BatchNo        []byte // 5-byte batch number
	ProductionWeek byte
	ProductionYear byte
}

// ParseVersion decodes the 28-byte aggregate returned by GetVersion.
func ParseVersion(raw []byte) (*Version, error) {
	if len(raw) < 28 {
		return nil, fmt.Errorf("version data too short: %d bytes", len(raw))
	}
	v := &Version{
		HWVendorID:    raw[0],
		HWType:        raw[1],
		HWSubType:     raw[2],
		HWMajor:       raw[3],
		HWMinor:       raw[4],
		HWStorageSize: raw[5],
		HWProtocol:    raw[6],
		SWVendorID:    raw[7],
		SWType:        raw[8],
		SWSubType:     raw[9],
		SWMajor:       raw[10],
		SWMinor:       raw[11],
		SWStorageSize: raw[12],
		SWProtocol:    raw[13],
		UID:           append([]byte{}, raw[14:21]...),
		BatchNo:       append([]byte{}, raw[21:26]...),
	}
	v.ProductionWeek = raw[26]
	v.ProductionYear = raw[27]
	return v, nil
}

// StorageBytes converts a GetVersion storage-size byte to bytes (2^(n>>1)).
func StorageBytes(sizeByte byte) int {
	return 1 << (sizeByte >> 1)
}
