package desfire

// File types as reported in the first byte of GetFileSettings.
const (
	FileTypeStandardData byte = 0x00
	FileTypeBackupData   byte = 0x01
	FileTypeValue        byte = 0x02
	FileTypeLinearRecord byte = 0x03
	FileTypeCyclicRecord byte = 0x04
)

// Access-rights nibble values beyond plain key numbers.
const (
	AccessFree   byte = 0xE
	AccessDenied byte = 0xF
)

// AccessRights packs the two access-rights bytes of a file: ar1 carries the
// Read&Write and ChangeAccessRights nibbles, ar2 the Read and Write ones.
// Each nibble names a key number 0..13, AccessFree or AccessDenied.
func AccessRights(readWrite, change, read, write byte) (ar1, ar2 byte) {
	return readWrite<<4 | change&0x0F, read<<4 | write&0x0F
}

// maximum body bytes the card accepts per write frame
const writeFrameSize = 52

// accessCategory names the operation classes the resolver distinguishes.
type accessCategory struct {
	rw, car, r, w bool
}

var (
	catRead   = accessCategory{rw: true, r: true}
	catWrite  = accessCategory{rw: true, w: true}
	catValue  = accessCategory{rw: true, r: true, w: true}
	catChange = accessCategory{car: true}
)

// GetFileIDs returns the file numbers of all active files within the
// selected application.
func (d *DESFire) GetFileIDs() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.plainCommand(insGetFileIDs, nil)
}

// GetFileSettings returns the raw settings of a file: file type,
// communication settings, the two access-rights bytes and the type-specific
// remainder (size, value limits, or record geometry).
func (d *DESFire) GetFileSettings(fileNo byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.getFileSettings(fileNo)
}

func (d *DESFire) getFileSettings(fileNo byte) ([]byte, error) {
	return d.plainCommand(insGetFileSettings, []byte{fileNo})
}

// ChangeFileSettings rewrites the communication settings and access rights
// of a file. Requires the CAR key (enciphered) or free change access
// (plain).
func (d *DESFire) ChangeFileSettings(fileNo, commSett, ar1, ar2 byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs, err := d.fileCommSetting(fileNo, catChange, false)
	if err != nil {
		return err
	}

	apdu := []byte{0x90, insChangeFileSettings, 0x00, 0x00, 0x04, fileNo, commSett, ar1, ar2, 0x00}
	// the file number stays in clear; observed cards reject it otherwise
	apdu, err = d.preprocess(apdu, 1, cs)
	if err != nil {
		return err
	}
	resp, err := d.transmit(apdu)
	if err != nil {
		return err
	}
	if sw2(resp) == StatusOperationOK && d.fileNo == int(fileNo) {
		d.fileNo = fakeNo
		d.fileSett = nil
	}
	_, err = d.postprocess(resp, 0, CommPlain)
	return wrapINS(err, insChangeFileSettings)
}

// CreateStdDataFile creates a file for unformatted user data. Memory is
// allocated in multiples of 32 bytes.
func (d *DESFire) CreateStdDataFile(fileNo, commSett, ar1, ar2 byte, size int) error {
	return d.createDataFile(insCreateStdDataFile, fileNo, commSett, ar1, ar2, size)
}

// CreateBackupDataFile creates a data file with an integrated backup
// mechanism: writes only become visible after CommitTransaction. Consumes
// twice the memory of a standard data file.
func (d *DESFire) CreateBackupDataFile(fileNo, commSett, ar1, ar2 byte, size int) error {
	return d.createDataFile(insCreateBackupDataFile, fileNo, commSett, ar1, ar2, size)
}

func (d *DESFire) createDataFile(ins, fileNo, commSett, ar1, ar2 byte, size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	body := []byte{fileNo, commSett, ar1, ar2, byte(size), byte(size >> 8), byte(size >> 16)}
	_, err := d.plainCommand(ins, body)
	return err
}

// CreateValueFile creates a file holding one signed 32-bit value with the
// given limits. Credit, Debit and LimitedCredit manipulate it under
// transaction protection.
func (d *DESFire) CreateValueFile(fileNo, commSett, ar1, ar2 byte, lower, upper, value int32, limitedCredit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	body := make([]byte, 0, 17)
	body = append(body, fileNo, commSett, ar1, ar2)
	body = appendInt32(body, lower)
	body = appendInt32(body, upper)
	body = appendInt32(body, value)
	if limitedCredit {
		body = append(body, 0x01)
	} else {
		body = append(body, 0x00)
	}
	_, err := d.plainCommand(insCreateValueFile, body)
	return err
}

// CreateLinearRecordFile creates a record file that fills up once: when all
// records are written it must be cleared before further writes.
func (d *DESFire) CreateLinearRecordFile(fileNo, commSett, ar1, ar2 byte, recordSize, maxRecords int) error {
	return d.createRecordFile(insCreateLinearRecordFile, fileNo, commSett, ar1, ar2, recordSize, maxRecords)
}

// CreateCyclicRecordFile creates a record file that overwrites the oldest
// record when full. The backup mechanism consumes one record, leaving
// maxRecords-1 usable.
func (d *DESFire) CreateCyclicRecordFile(fileNo, commSett, ar1, ar2 byte, recordSize, maxRecords int) error {
	return d.createRecordFile(insCreateCyclicRecordFile, fileNo, commSett, ar1, ar2, recordSize, maxRecords)
}

func (d *DESFire) createRecordFile(ins, fileNo, commSett, ar1, ar2 byte, recordSize, maxRecords int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	body := []byte{
		fileNo, commSett, ar1, ar2,
		byte(recordSize), byte(recordSize >> 8), byte(recordSize >> 16),
		byte(maxRecords), byte(maxRecords >> 8), byte(maxRecords >> 16),
	}
	_, err := d.plainCommand(ins, body)
	return err
}

// DeleteFile permanently deactivates a file. The file number can be reused
// but the allocated memory stays occupied until a format.
func (d *DESFire) DeleteFile(fileNo byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.plainCommand(insDeleteFile, []byte{fileNo})
	if err != nil {
		return err
	}
	if d.fileNo == int(fileNo) {
		d.fileNo = fakeNo
		d.fileSett = nil
	}
	return nil
}

// ReadData reads from a standard or backup data file. A length of zero
// reads the whole file starting at offset.
func (d *DESFire) ReadData(fileNo byte, offset, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.read(insReadData, fileNo, offset, length)
}

// ReadRecords reads full records from a record file, chronologically from
// the oldest to the newest. offset counts records back from the most
// recent; count zero reads all current records.
func (d *DESFire) ReadRecords(fileNo byte, offset, count int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// the cached record count goes stale across commits
	if _, err := d.refreshFileSettings(fileNo, true); err != nil {
		return nil, err
	}
	return d.read(insReadRecords, fileNo, offset, count)
}

// WriteData writes to a standard or backup data file. Writes to backup
// files need a CommitTransaction to become visible.
func (d *DESFire) WriteData(fileNo byte, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.write(insWriteData, fileNo, offset, data)
}

// WriteRecord writes into the staging record of a linear or cyclic record
// file; CommitTransaction appends it.
func (d *DESFire) WriteRecord(fileNo byte, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.write(insWriteRecord, fileNo, offset, data)
}

// GetValue reads the current value of a value file.
func (d *DESFire) GetValue(fileNo byte) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs, err := d.fileCommSetting(fileNo, catValue, false)
	if err != nil {
		return 0, err
	}

	apdu := []byte{0x90, insGetValue, 0x00, 0x00, 0x01, fileNo, 0x00}
	apdu, err = d.preprocess(apdu, 0, CommPlain)
	if err != nil {
		return 0, err
	}
	resp, err := d.transmit(apdu)
	if err != nil {
		return 0, err
	}
	ret, err := d.postprocess(resp, 4, cs)
	if err != nil {
		return 0, wrapINS(err, insGetValue)
	}
	if len(ret) < 4 {
		return 0, &ArgumentError{Reason: "value response too short"}
	}
	return int32(uint32(ret[0]) | uint32(ret[1])<<8 | uint32(ret[2])<<16 | uint32(ret[3])<<24), nil
}

// Credit increases the value of a value file. Needs CommitTransaction to
// take effect.
func (d *DESFire) Credit(fileNo byte, amount int32) error {
	return d.valueOp(insCredit, fileNo, amount)
}

// Debit decreases the value of a value file. Needs CommitTransaction to
// take effect.
func (d *DESFire) Debit(fileNo byte, amount int32) error {
	return d.valueOp(insDebit, fileNo, amount)
}

// LimitedCredit allows a bounded refund without full credit permission: at
// most the sum of the debits of the previous transaction.
func (d *DESFire) LimitedCredit(fileNo byte, amount int32) error {
	return d.valueOp(insLimitedCredit, fileNo, amount)
}

func (d *DESFire) valueOp(ins, fileNo byte, amount int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs, err := d.fileCommSetting(fileNo, catValue, false)
	if err != nil {
		return err
	}

	apdu := make([]byte, 0, 11)
	apdu = append(apdu, 0x90, ins, 0x00, 0x00, 0x05, fileNo)
	apdu = appendInt32(apdu, amount)
	apdu = append(apdu, 0x00)

	// the file number stays in clear
	apdu, err = d.preprocess(apdu, 1, cs)
	if err != nil {
		return err
	}
	resp, err := d.transmit(apdu)
	if err != nil {
		return err
	}
	_, err = d.postprocess(resp, 0, CommPlain)
	return wrapINS(err, ins)
}

// ClearRecordFile resets a record file to the empty state. Requires
// read&write access and a subsequent CommitTransaction.
func (d *DESFire) ClearRecordFile(fileNo byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.plainCommand(insClearRecordFile, []byte{fileNo})
	return err
}

// CommitTransaction validates all pending writes to value, backup data and
// record files of the selected application.
func (d *DESFire) CommitTransaction() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.plainCommand(insCommitTransaction, nil)
	return err
}

// AbortTransaction invalidates all pending writes of the selected
// application.
func (d *DESFire) AbortTransaction() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.plainCommand(insAbortTransaction, nil)
	return err
}

// fileCommSetting resolves the communication mode for an operation on a
// file from its access rights and the authenticated key number. If any
// relevant nibble names the authenticated key the file's declared mode
// applies; free access falls back to plain; otherwise the operation is
// denied. ChangeAccessRights has its own fixed policy.
func (d *DESFire) fileCommSetting(fileNo byte, cat accessCategory, forceRefresh bool) (CommunicationSetting, error) {
	sett, err := d.refreshFileSettings(fileNo, forceRefresh)
	if err != nil {
		return CommPlain, err
	}

	var keyNo byte = 0xFF
	if d.sess != nil {
		keyNo = d.sess.keyNo & 0x0F
	}

	isAuthKey := false
	isFree := false

	if cat.rw {
		switch nibble := sett[2] >> 4; nibble {
		case keyNo:
			isAuthKey = true
		case AccessFree:
			isFree = true
		}
	}
	if cat.car {
		switch nibble := sett[2] & 0x0F; nibble {
		case keyNo:
			return CommEnciphered, nil
		case AccessFree:
			return CommPlain, nil
		}
	}
	if cat.r {
		switch nibble := sett[3] >> 4; nibble {
		case keyNo:
			isAuthKey = true
		case AccessFree:
			isFree = true
		}
	}
	if cat.w {
		switch nibble := sett[3] & 0x0F; nibble {
		case keyNo:
			isAuthKey = true
		case AccessFree:
			isFree = true
		}
	}

	switch {
	case isAuthKey:
		cs, ok := commSettingFromByte(sett[1])
		if !ok {
			return CommPlain, &ArgumentError{Reason: "file declares an unknown communication setting"}
		}
		return cs, nil
	case isFree:
		return CommPlain, nil
	default:
		return CommPlain, ErrAccessDenied
	}
}

// refreshFileSettings keeps the one-entry settings cache current.
func (d *DESFire) refreshFileSettings(fileNo byte, force bool) ([]byte, error) {
	if d.fileNo == int(fileNo) && !force {
		return d.fileSett, nil
	}
	sett, err := d.getFileSettings(fileNo)
	if err != nil {
		d.fileNo = fakeNo
		d.fileSett = nil
		return nil, err
	}
	if len(sett) < 4 {
		d.fileNo = fakeNo
		d.fileSett = nil
		return nil, &ArgumentError{Reason: "file settings response too short"}
	}
	d.fileNo = int(fileNo)
	d.fileSett = sett
	return sett, nil
}

// read drives ReadData and ReadRecords: plain request, ADDITIONAL_FRAME
// loop, one postprocess over the aggregate with the expected plaintext
// length derived from the request and the file settings.
func (d *DESFire) read(ins, fileNo byte, offset, length int) ([]byte, error) {
	cs, err := d.fileCommSetting(fileNo, catRead, false)
	if err != nil {
		return nil, err
	}
	expected, err := d.responseLength(ins, fileNo, offset, length)
	if err != nil {
		return nil, err
	}

	body := []byte{
		fileNo,
		byte(offset), byte(offset >> 8), byte(offset >> 16),
		byte(length), byte(length >> 8), byte(length >> 16),
	}
	apdu := buildAPDU(ins, body)
	apdu, err = d.preprocess(apdu, 0, CommPlain)
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

	ret, err := d.postprocess(full, expected, cs)
	return ret, wrapINS(err, ins)
}

// responseLength computes the plaintext length of a read from the request
// and, when the request says "everything", the cached file settings.
func (d *DESFire) responseLength(ins, fileNo byte, offset, length int) (int, error) {
	sett := d.fileSett
	switch ins {
	case insReadData:
		if length != 0 {
			return length, nil
		}
		if len(sett) < 7 {
			return 0, &ArgumentError{Reason: "file settings too short for a data file"}
		}
		size := int(sett[4]) | int(sett[5])<<8 | int(sett[6])<<16
		return size - offset, nil
	case insReadRecords:
		if len(sett) < 13 {
			return 0, &ArgumentError{Reason: "file settings too short for a record file"}
		}
		recordSize := int(sett[4]) | int(sett[5])<<8 | int(sett[6])<<16
		records := length
		if records == 0 {
			current := int(sett[10]) | int(sett[11])<<8 | int(sett[12])<<16
			records = current - offset
		}
		return recordSize * records, nil
	}
	return 0, &ArgumentError{Reason: "not a read command"}
}

// write drives WriteData and WriteRecord. The logical APDU is wrapped once
// (resolver-selected mode, 7 header bytes in clear), then the body is split
// into 52-byte frames: the first carries the original INS, the rest
// ADDITIONAL_FRAME. Postprocessing runs once on the final response.
func (d *DESFire) write(ins, fileNo byte, offset int, data []byte) error {
	cs, err := d.fileCommSetting(fileNo, catWrite, false)
	if err != nil {
		return err
	}

	body := make([]byte, 0, 7+len(data))
	body = append(body,
		fileNo,
		byte(offset), byte(offset>>8), byte(offset>>16),
		byte(len(data)), byte(len(data)>>8), byte(len(data)>>16),
	)
	body = append(body, data...)

	full := buildAPDU(ins, body)
	full, err = d.preprocess(full, 7, cs)
	if err != nil {
		return err
	}

	total := len(full) - 6
	sent := 0
	var resp []byte
	for {
		frame := total - sent
		if frame > writeFrameSize {
			frame = writeFrameSize
		}

		apdu := make([]byte, 0, 6+frame)
		frameINS := ins
		if sent > 0 {
			frameINS = insAdditionalFrame
		}
		apdu = append(apdu, 0x90, frameINS, 0x00, 0x00, byte(frame))
		apdu = append(apdu, full[5+sent:5+sent+frame]...)
		apdu = append(apdu, 0x00)

		resp, err = d.transmit(apdu)
		if err != nil {
			return err
		}
		sent += frame

		if total-sent <= 0 || sw2(resp) != StatusAdditionalFrame {
			break
		}
	}

	_, err = d.postprocess(resp, 0, CommPlain)
	return wrapINS(err, ins)
}

func appendInt32(b []byte, v int32) []byte {
	u := uint32(v)
	return append(b, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
}
