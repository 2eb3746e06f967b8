package desfire

// A stateful fake DESFire EV1 used by the package tests. It implements the
// card side of the protocol: mutual authentication for all four key types,
// the session CMAC/encipher pipeline with its own rolling IV, file and
// transaction semantics, and frame chaining in both directions. Host and
// card derive their session state independently, so a host-side bug cannot
// cancel out against the mock.

import (
	"bytes"
	"crypto/des"

	"github.com/andrade/nfcjlib/internal/crypto"
)

// data bytes the fake card returns per response frame
const mockFrameSize = 59

type frameRecord struct {
	ins     byte
	bodyLen int
}

type mockKey struct {
	ktype   KeyType
	key     []byte
	version byte
}

type mockFile struct {
	ftype byte
	comm  byte
	ar1   byte
	ar2   byte

	// standard/backup data files
	data   []byte
	shadow []byte

	// value files
	lower, upper int32
	value        int32
	staged       int32
	limited      bool

	// record files
	recSize       int
	maxRecs       int
	records       [][]byte
	pendingRecord []byte
	clearPending  bool
}

func (f *mockFile) usableRecords() int {
	if f.ftype == FileTypeCyclicRecord {
		return f.maxRecs - 1
	}
	return f.maxRecs
}

type mockApp struct {
	keys  map[byte]*mockKey
	files map[byte]*mockFile
}

type pendingAuth struct {
	ktype  KeyType
	keyNo  byte
	key    []byte
	randB  []byte
	lastCT []byte
}

type pendingWrite struct {
	ins      byte
	expected int
	body     []byte
}

type mockPICC struct {
	apps     map[[3]byte]*mockApp
	selected [3]byte

	// card-side session
	authed    bool
	sessKtype KeyType
	sessKeyNo byte
	sessKey   []byte
	sessIV    []byte

	auth  *pendingAuth
	write *pendingWrite

	// queued continuation frames of a chained response
	outFrames [][]byte

	// every raw frame received, for chaining assertions
	frames []frameRecord

	uid      []byte
	nonceCtr byte
}

func newMockPICC() *mockPICC {
	m := &mockPICC{
		apps: map[[3]byte]*mockApp{},
		uid:  []byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
	}
	// PICC-level "application" with a factory-default DES master key
	m.apps[[3]byte{}] = &mockApp{
		keys:  map[byte]*mockKey{0: {ktype: DES, key: make([]byte, 8)}},
		files: map[byte]*mockFile{},
	}
	return m
}

// setKey overrides a key slot directly, bypassing ChangeKey.
func (m *mockPICC) setKey(aid [3]byte, keyNo byte, ktype KeyType, key []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	if ktype != AES {
		setKeyVersion(k, 0, len(k), 0x00)
	}
	m.apps[aid].keys[keyNo] = &mockKey{ktype: ktype, key: k}
}

func (m *mockPICC) app() *mockApp {
	return m.apps[m.selected]
}

func (m *mockPICC) dropAuth() {
	m.authed = false
	m.sessKey = nil
	m.sessIV = nil
	m.auth = nil
	m.write = nil
	m.outFrames = nil
}

func (m *mockPICC) modern() bool {
	return m.authed && (m.sessKtype == TKTDES || m.sessKtype == AES)
}

func (m *mockPICC) Transmit(cmd []byte) ([]byte, error) {
	resp := m.handle(cmd)
	// the card drops its authentication state on errors, like the real one
	if sw := resp[len(resp)-1]; sw != StatusOperationOK && sw != StatusAdditionalFrame {
		m.dropAuth()
	}
	return resp, nil
}

func (m *mockPICC) handle(cmd []byte) []byte {
	if len(cmd) < 5 || cmd[0] != 0x90 {
		return []byte{0x91, StatusIllegalCommand}
	}
	ins := cmd[1]
	var body []byte
	if len(cmd) > 5 {
		body = cmd[5 : len(cmd)-1]
	}
	m.frames = append(m.frames, frameRecord{ins: ins, bodyLen: len(body)})

	switch {
	case ins == insAdditionalFrame && m.auth != nil && len(body) > 0:
		return m.authStep2(body)
	case ins == insAdditionalFrame && m.write != nil:
		return m.writeFrame(body)
	case ins == insAdditionalFrame:
		return m.nextFrame()
	}

	switch ins {
	case insAuthenticateLegacy, insAuthenticate3K3DES, insAuthenticateAES:
		return m.authStep1(ins, body)
	case insSelectApplication:
		return m.selectApplication(body)
	case insChangeKey:
		return m.changeKey(body)
	}

	if ins == insWriteData || ins == insWriteRecord {
		return m.writeStart(ins, body)
	}

	// everything below is a preprocessed command: thread the card IV and
	// verify the MAC before dispatching
	body, errCode := m.unwrapCommand(ins, body)
	if errCode != 0 {
		return []byte{0x91, errCode}
	}
	return m.dispatch(ins, body)
}

// unwrapCommand mirrors the host preprocess: threads the card IV for plain
// commands and strips/verifies the MAC of MACed ones. Enciphered command
// bodies are handled by the individual commands, which chain the IV on the
// ciphertext.
func (m *mockPICC) unwrapCommand(ins byte, body []byte) ([]byte, byte) {
	if !m.authed {
		return body, 0
	}
	switch m.inboundMode(ins, body) {
	case CommEnciphered:
		return body, 0
	case CommMACed:
		if m.modern() {
			if len(body) < 8 {
				return nil, StatusLengthError
			}
			stripped := body[:len(body)-8]
			block := append([]byte{ins}, stripped...)
			cmac, _ := sessionCMAC(m.sessKtype, m.sessKey, m.sessIV, block)
			if !bytes.Equal(body[len(body)-8:], cmac[:8]) {
				return nil, StatusIntegrityError
			}
			m.sessIV = cmac
			return stripped, 0
		}
		if len(body) < 5 {
			return nil, StatusLengthError
		}
		stripped := body[:len(body)-4]
		// the legacy MAC skips the 1-byte file number header
		want, _ := retailMAC(m.sessKey, stripped[1:])
		if !bytes.Equal(body[len(body)-4:], want) {
			return nil, StatusIntegrityError
		}
		return stripped, 0
	default:
		if m.modern() {
			block := append([]byte{ins}, body...)
			cmac, _ := sessionCMAC(m.sessKtype, m.sessKey, m.sessIV, block)
			m.sessIV = cmac
		}
		return body, 0
	}
}

// inboundMode reports how the body of ins arrives in the current session,
// judged the way the card does: by the target file's access rights. Only
// value operations and the two settings changers deviate from plain.
func (m *mockPICC) inboundMode(ins byte, body []byte) CommunicationSetting {
	switch ins {
	case insChangeKeySettings:
		return CommEnciphered
	case insCredit, insDebit, insLimitedCredit, insChangeFileSettings:
		if len(body) == 0 {
			return CommPlain
		}
		f := m.app().files[body[0]]
		if f == nil {
			return CommPlain
		}
		cat := catValue
		if ins == insChangeFileSettings {
			cat = catChange
		}
		cs, ok := m.resolveMode(f, cat)
		if !ok {
			return CommPlain
		}
		return cs
	}
	return CommPlain
}

func (m *mockPICC) dispatch(ins byte, body []byte) []byte {
	switch ins {
	case insCreateApplication:
		return m.createApplication(body)
	case insDeleteApplication:
		return m.deleteApplication(body)
	case insGetApplicationIDs:
		return m.getApplicationIDs()
	case insFreeMemory:
		return m.respond(CommPlain, []byte{0x00, 0x0E, 0x00})
	case insGetVersion:
		return m.getVersion()
	case insGetCardUID:
		return m.getCardUID()
	case insFormatPICC:
		return m.formatPICC()
	case insGetKeyVersion:
		return m.getKeyVersion(body)
	case insChangeKeySettings:
		return m.changeKeySettings(body)
	case insGetKeySettings:
		return m.respond(CommPlain, []byte{0x0F, byte(len(m.app().keys))})
	case insGetFileIDs:
		return m.getFileIDs()
	case insGetFileSettings:
		return m.getFileSettings(body)
	case insChangeFileSettings:
		return m.changeFileSettings(body)
	case insCreateStdDataFile, insCreateBackupDataFile:
		return m.createDataFile(ins, body)
	case insCreateValueFile:
		return m.createValueFile(body)
	case insCreateLinearRecordFile, insCreateCyclicRecordFile:
		return m.createRecordFile(ins, body)
	case insDeleteFile:
		return m.deleteFile(body)
	case insReadData:
		return m.readData(body)
	case insReadRecords:
		return m.readRecords(body)
	case insGetValue:
		return m.getValue(body)
	case insCredit, insDebit, insLimitedCredit:
		return m.valueOp(ins, body)
	case insClearRecordFile:
		return m.clearRecordFile(body)
	case insCommitTransaction:
		return m.commitTransaction()
	case insAbortTransaction:
		return m.abortTransaction()
	}
	return []byte{0x91, StatusIllegalCommand}
}

// --- authentication ---------------------------------------------------

func (m *mockPICC) authStep1(ins byte, body []byte) []byte {
	m.dropAuth()
	if len(body) != 1 {
		return []byte{0x91, StatusLengthError}
	}
	k := m.app().keys[body[0]&0x0F]
	if k == nil {
		return []byte{0x91, StatusNoSuchKey}
	}
	switch ins {
	case insAuthenticateLegacy:
		if k.ktype != DES && k.ktype != TDES {
			return []byte{0x91, StatusAuthenticationError}
		}
	case insAuthenticate3K3DES:
		if k.ktype != TKTDES {
			return []byte{0x91, StatusAuthenticationError}
		}
	case insAuthenticateAES:
		if k.ktype != AES {
			return []byte{0x91, StatusAuthenticationError}
		}
	}

	bs := k.ktype.BlockSize()
	nonceLen := bs
	if k.ktype == TKTDES {
		nonceLen = 16 // two blocks
	}
	randB := make([]byte, nonceLen)
	for i := range randB {
		m.nonceCtr++
		randB[i] = 0xB0 ^ m.nonceCtr
	}

	enc := m.cardAuthEncrypt(k.ktype, k.key, nil, randB)
	m.auth = &pendingAuth{
		ktype:  k.ktype,
		keyNo:  body[0],
		key:    k.key,
		randB:  randB,
		lastCT: enc[len(enc)-bs:],
	}
	return append(append([]byte{}, enc...), 0x91, StatusAdditionalFrame)
}

func (m *mockPICC) authStep2(tok2 []byte) []byte {
	a := m.auth
	m.auth = nil
	bs := a.ktype.BlockSize()
	nonceLen := len(a.randB)
	if len(tok2) != 2*nonceLen {
		return []byte{0x91, StatusLengthError}
	}

	plain := m.cardAuthDecrypt(a.ktype, a.key, a.lastCT, tok2)
	randA := plain[:nonceLen]
	if !bytes.Equal(plain[nonceLen:], rotateLeft(a.randB)) {
		return []byte{0x91, StatusAuthenticationError}
	}

	enc := m.cardAuthEncrypt(a.ktype, a.key, tok2[len(tok2)-bs:], rotateLeft(randA))

	m.authed = true
	m.sessKtype = a.ktype
	m.sessKeyNo = a.keyNo & 0x0F
	m.sessKey = sessionKey(randA, a.randB, a.ktype)
	m.sessIV = nil
	if a.ktype == TKTDES || a.ktype == AES {
		m.sessIV = make([]byte, bs)
	}
	return append(append([]byte{}, enc...), 0x91, StatusOperationOK)
}

// cardAuthEncrypt enciphers card-to-host auth material. Legacy sessions
// restart a zero chain per operation (the iv argument is ignored); the
// host's receive-mode decryption inverts plain CBC encryption.
func (m *mockPICC) cardAuthEncrypt(ktype KeyType, key, iv, data []byte) []byte {
	switch ktype {
	case DES, TDES:
		out, _ := crypto.TDESEncrypt(key, nil, data)
		return out
	case TKTDES:
		out, _ := crypto.TDESEncrypt(key, iv, data)
		return out
	default:
		out, _ := crypto.AESEncrypt(key, iv, data)
		return out
	}
}

// cardAuthDecrypt deciphers host-to-card auth material: the inverse of the
// host's send-mode path.
func (m *mockPICC) cardAuthDecrypt(ktype KeyType, key, iv, data []byte) []byte {
	switch ktype {
	case DES, TDES:
		return legacyCardDecrypt(key, data)
	case TKTDES:
		out, _ := crypto.TDESDecrypt(key, iv, data)
		return out
	default:
		out, _ := crypto.AESDecrypt(key, iv, data)
		return out
	}
}

// legacyCardDecrypt inverts the MF3ICD40 send mode: E(c_i) XOR c_(i-1),
// zero chain.
func legacyCardDecrypt(key, data []byte) []byte {
	k24, _ := crypto.ExpandTDESKey(key)
	block, _ := des.NewTripleDESCipher(k24)
	out := make([]byte, len(data))
	prev := make([]byte, 8)
	for i := 0; i < len(data); i += 8 {
		block.Encrypt(out[i:i+8], data[i:i+8])
		for j := 0; j < 8; j++ {
			out[i+j] ^= prev[j]
		}
		copy(prev, data[i:i+8])
	}
	return out
}

// --- session wrapping of responses ------------------------------------

// respond wraps response data in the given mode, splits it into frames and
// returns the first one.
func (m *mockPICC) respond(cs CommunicationSetting, data []byte) []byte {
	var payload []byte
	switch {
	case !m.authed:
		payload = data
	case cs == CommEnciphered:
		payload = m.encipherResponse(data)
	case cs == CommMACed && !m.modern():
		mac, _ := retailMAC(m.sessKey, data)
		payload = append(append([]byte{}, data...), mac...)
	case m.modern():
		// plain and MACed responses both carry a CMAC in EV1 sessions
		block := append(append([]byte{}, data...), StatusOperationOK)
		cmac, _ := sessionCMAC(m.sessKtype, m.sessKey, m.sessIV, block)
		m.sessIV = cmac
		payload = append(append([]byte{}, data...), cmac[:8]...)
	default:
		payload = data
	}
	return m.frameOut(payload)
}

func (m *mockPICC) encipherResponse(data []byte) []byte {
	var plain []byte
	if m.modern() {
		crc := crypto.CRC32(append(append([]byte{}, data...), StatusOperationOK))
		plain = append(append([]byte{}, data...), crc...)
	} else {
		plain = append(append([]byte{}, data...), crypto.CRC16(data)...)
	}
	plain = crypto.ZeroPad(plain, m.sessKtype.BlockSize())

	var ct []byte
	switch m.sessKtype {
	case DES, TDES:
		ct, _ = crypto.TDESEncrypt(m.sessKey, nil, plain)
	case TKTDES:
		ct, _ = crypto.TDESEncrypt(m.sessKey, m.sessIV, plain)
	default:
		ct, _ = crypto.AESEncrypt(m.sessKey, m.sessIV, plain)
	}
	if m.modern() {
		bs := m.sessKtype.BlockSize()
		iv := make([]byte, bs)
		copy(iv, ct[len(ct)-bs:])
		m.sessIV = iv
	}
	return ct
}

// frameOut splits a wire payload into mockFrameSize chunks chained with
// ADDITIONAL_FRAME.
func (m *mockPICC) frameOut(payload []byte) []byte {
	if len(payload) <= mockFrameSize {
		return append(append([]byte{}, payload...), 0x91, StatusOperationOK)
	}
	first := append(append([]byte{}, payload[:mockFrameSize]...), 0x91, StatusAdditionalFrame)
	rest := payload[mockFrameSize:]
	for len(rest) > mockFrameSize {
		m.outFrames = append(m.outFrames,
			append(append([]byte{}, rest[:mockFrameSize]...), 0x91, StatusAdditionalFrame))
		rest = rest[mockFrameSize:]
	}
	m.outFrames = append(m.outFrames,
		append(append([]byte{}, rest...), 0x91, StatusOperationOK))
	return first
}

func (m *mockPICC) nextFrame() []byte {
	if len(m.outFrames) == 0 {
		return []byte{0x91, StatusCommandAborted}
	}
	f := m.outFrames[0]
	m.outFrames = m.outFrames[1:]
	return f
}

// decipherInbound decrypts an enciphered command body and threads the card
// IV. Legacy sessions restart at zeros.
func (m *mockPICC) decipherInbound(ct []byte) []byte {
	var plain []byte
	switch m.sessKtype {
	case DES, TDES:
		plain = legacyCardDecrypt(m.sessKey, ct)
	case TKTDES:
		plain, _ = crypto.TDESDecrypt(m.sessKey, m.sessIV, ct)
	default:
		plain, _ = crypto.AESDecrypt(m.sessKey, m.sessIV, ct)
	}
	if m.modern() {
		bs := m.sessKtype.BlockSize()
		iv := make([]byte, bs)
		copy(iv, ct[len(ct)-bs:])
		m.sessIV = iv
	}
	return plain
}

// verifyInboundCRC checks the CRC trailer of a deciphered command.
// crcInput is what the CRC covers (INS and clear header included for EV1).
func (m *mockPICC) verifyInboundCRC(plain []byte, dataLen int, crcInput []byte) bool {
	if m.modern() {
		want := crypto.CRC32(crcInput)
		return len(plain) >= dataLen+4 && bytes.Equal(want, plain[dataLen:dataLen+4])
	}
	want := crypto.CRC16(crcInput)
	return len(plain) >= dataLen+2 && bytes.Equal(want, plain[dataLen:dataLen+2])
}

// --- access rights ----------------------------------------------------

func (m *mockPICC) resolveMode(f *mockFile, cat accessCategory) (CommunicationSetting, bool) {
	var keyNo byte = 0xFF
	if m.authed {
		keyNo = m.sessKeyNo
	}
	isAuthKey, isFree := false, false

	if cat.rw {
		switch f.ar1 >> 4 {
		case keyNo:
			isAuthKey = true
		case AccessFree:
			isFree = true
		}
	}
	if cat.car {
		switch f.ar1 & 0x0F {
		case keyNo:
			return CommEnciphered, true
		case AccessFree:
			return CommPlain, true
		}
	}
	if cat.r {
		switch f.ar2 >> 4 {
		case keyNo:
			isAuthKey = true
		case AccessFree:
			isFree = true
		}
	}
	if cat.w {
		switch f.ar2 & 0x0F {
		case keyNo:
			isAuthKey = true
		case AccessFree:
			isFree = true
		}
	}

	switch {
	case isAuthKey:
		cs, ok := commSettingFromByte(f.comm)
		return cs, ok
	case isFree:
		return CommPlain, true
	default:
		return CommPlain, false
	}
}

// --- PICC and application level commands ------------------------------

func (m *mockPICC) selectApplication(body []byte) []byte {
	m.dropAuth()
	if len(body) != 3 {
		return []byte{0x91, StatusLengthError}
	}
	var aid [3]byte
	copy(aid[:], body)
	if _, ok := m.apps[aid]; !ok {
		return []byte{0x91, StatusAppNotFound}
	}
	m.selected = aid
	return []byte{0x91, StatusOperationOK}
}

func (m *mockPICC) createApplication(body []byte) []byte {
	if len(body) != 5 {
		return []byte{0x91, StatusLengthError}
	}
	var aid [3]byte
	copy(aid[:], body[:3])
	if _, ok := m.apps[aid]; ok {
		return []byte{0x91, StatusDuplicateError}
	}

	nok := body[4]
	ktype := DES
	keyLen := 8
	switch {
	case nok&0x80 != 0:
		ktype, keyLen = AES, 16
	case nok&0x40 != 0:
		ktype, keyLen = TKTDES, 24
	}

	app := &mockApp{keys: map[byte]*mockKey{}, files: map[byte]*mockFile{}}
	for i := byte(0); i < nok&0x0F; i++ {
		app.keys[i] = &mockKey{ktype: ktype, key: make([]byte, keyLen)}
	}
	m.apps[aid] = app
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) deleteApplication(body []byte) []byte {
	if len(body) != 3 {
		return []byte{0x91, StatusLengthError}
	}
	var aid [3]byte
	copy(aid[:], body)
	if aid == [3]byte{} {
		return []byte{0x91, StatusPermissionDenied}
	}
	if _, ok := m.apps[aid]; !ok {
		return []byte{0x91, StatusAppNotFound}
	}
	delete(m.apps, aid)
	if m.selected == aid {
		m.dropAuth()
		m.selected = [3]byte{}
		return []byte{0x91, StatusOperationOK}
	}
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) getApplicationIDs() []byte {
	var out []byte
	for aid := range m.apps {
		if aid == [3]byte{} {
			continue
		}
		out = append(out, aid[0], aid[1], aid[2])
	}
	return m.respond(CommPlain, out)
}

func (m *mockPICC) getVersion() []byte {
	hw := []byte{0x04, 0x01, 0x01, 0x01, 0x00, 0x1A, 0x05}
	sw := []byte{0x04, 0x01, 0x01, 0x01, 0x04, 0x1A, 0x05}
	tail := append(append([]byte{}, m.uid...), 0xBA, 0x11, 0x22, 0x33, 0x44, 0x12, 0x13)
	payload := append(append(append([]byte{}, hw...), sw...), tail...)

	if m.modern() {
		block := append(append([]byte{}, payload...), StatusOperationOK)
		cmac, _ := sessionCMAC(m.sessKtype, m.sessKey, m.sessIV, block)
		m.sessIV = cmac
		payload = append(payload, cmac[:8]...)
	}

	// fixed 7/7/14(+8) frame split
	m.outFrames = append(m.outFrames,
		append(append([]byte{}, payload[7:14]...), 0x91, StatusAdditionalFrame),
		append(append([]byte{}, payload[14:]...), 0x91, StatusOperationOK))
	return append(append([]byte{}, payload[:7]...), 0x91, StatusAdditionalFrame)
}

func (m *mockPICC) getCardUID() []byte {
	if !m.authed {
		return []byte{0x91, StatusAuthenticationError}
	}
	return m.respond(CommEnciphered, m.uid)
}

func (m *mockPICC) formatPICC() []byte {
	if !m.authed || m.selected != [3]byte{} {
		return []byte{0x91, StatusAuthenticationError}
	}
	for aid := range m.apps {
		if aid != [3]byte{} {
			delete(m.apps, aid)
		}
	}
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) getKeyVersion(body []byte) []byte {
	if len(body) != 1 {
		return []byte{0x91, StatusLengthError}
	}
	k := m.app().keys[body[0]&0x0F]
	if k == nil {
		return []byte{0x91, StatusNoSuchKey}
	}
	return m.respond(CommPlain, []byte{k.version})
}

func (m *mockPICC) changeKeySettings(body []byte) []byte {
	if !m.authed {
		return []byte{0x91, StatusAuthenticationError}
	}
	plain := m.decipherInbound(body)
	crcInput := []byte{insChangeKeySettings, plain[0]}
	if !m.modern() {
		crcInput = plain[:1]
	}
	if !m.verifyInboundCRC(plain, 1, crcInput) {
		m.dropAuth()
		return []byte{0x91, StatusIntegrityError}
	}
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) changeKey(body []byte) []byte {
	if !m.authed || len(body) < 2 {
		return []byte{0x91, StatusAuthenticationError}
	}
	keyNo := body[0]
	plain := m.decipherInbound(body[1:])

	target := m.app().keys[keyNo&0x0F]
	if target == nil {
		return []byte{0x91, StatusNoSuchKey}
	}

	newType := target.ktype
	if m.selected == [3]byte{} {
		switch {
		case keyNo&0x80 != 0:
			newType = AES
		case keyNo&0x40 != 0:
			newType = TKTDES
		default:
			newType = DES // may turn out to be 2K3DES, see below
		}
	}
	nklen := 16
	if newType == TKTDES {
		nklen = 24
	}
	aesVer := 0
	if newType == AES {
		aesVer = 1
	}

	crcInput := append([]byte{insChangeKey, keyNo}, plain[:nklen+aesVer]...)
	if !m.modern() {
		// the legacy CRC16 covers the key material only
		crcInput = plain[:nklen+aesVer]
	}
	if !m.verifyInboundCRC(plain, nklen+aesVer, crcInput) {
		m.dropAuth()
		return []byte{0x91, StatusIntegrityError}
	}

	newKey := append([]byte{}, plain[:nklen]...)
	if keyNo&0x0F != m.sessKeyNo {
		old := target.key
		if target.ktype == DES {
			old = append(append([]byte{}, old...), old...)
		}
		for i := range newKey {
			newKey[i] ^= old[i%len(old)]
		}
		// second CRC proves knowledge of the old key
		crcLen := 2
		if m.modern() {
			crcLen = 4
		}
		off := nklen + aesVer + crcLen
		want := crypto.CRC16(newKey)
		if m.modern() {
			want = crypto.CRC32(newKey)
		}
		if len(plain) < off+crcLen || !bytes.Equal(want, plain[off:off+crcLen]) {
			m.dropAuth()
			return []byte{0x91, StatusIntegrityError}
		}
	}

	var version byte
	if newType == AES {
		version = plain[16]
	} else {
		version = FindKeyVersion(newKey)
	}

	stored := newKey
	storedType := newType
	if newType != AES {
		setKeyVersion(stored, 0, len(stored), 0x00)
		if newType == DES || newType == TDES {
			if bytes.Equal(stored[:8], stored[8:16]) {
				stored = stored[:8]
				storedType = DES
			} else {
				storedType = TDES
			}
		}
	}
	m.app().keys[keyNo&0x0F] = &mockKey{ktype: storedType, key: stored, version: version}

	if keyNo&0x0F == m.sessKeyNo {
		m.dropAuth()
		return []byte{0x91, StatusOperationOK}
	}
	return m.respond(CommPlain, nil)
}

// --- files ------------------------------------------------------------

func (m *mockPICC) getFileIDs() []byte {
	var out []byte
	for no := range m.app().files {
		out = append(out, no)
	}
	return m.respond(CommPlain, out)
}

func (m *mockPICC) getFileSettings(body []byte) []byte {
	if len(body) != 1 {
		return []byte{0x91, StatusLengthError}
	}
	f := m.app().files[body[0]]
	if f == nil {
		return []byte{0x91, StatusFileNotFound}
	}

	sett := []byte{f.ftype, f.comm, f.ar1, f.ar2}
	switch f.ftype {
	case FileTypeStandardData, FileTypeBackupData:
		size := len(f.data)
		sett = append(sett, byte(size), byte(size>>8), byte(size>>16))
	case FileTypeValue:
		sett = appendInt32(sett, f.lower)
		sett = appendInt32(sett, f.upper)
		sett = appendInt32(sett, 0)
		if f.limited {
			sett = append(sett, 0x01)
		} else {
			sett = append(sett, 0x00)
		}
	default:
		sett = append(sett, byte(f.recSize), byte(f.recSize>>8), byte(f.recSize>>16))
		sett = append(sett, byte(f.maxRecs), byte(f.maxRecs>>8), byte(f.maxRecs>>16))
		cur := len(f.records)
		sett = append(sett, byte(cur), byte(cur>>8), byte(cur>>16))
	}
	return m.respond(CommPlain, sett)
}

func (m *mockPICC) changeFileSettings(body []byte) []byte {
	if len(body) < 1 {
		return []byte{0x91, StatusLengthError}
	}
	f := m.app().files[body[0]]
	if f == nil {
		return []byte{0x91, StatusFileNotFound}
	}
	cs, ok := m.resolveMode(f, catChange)
	if !ok {
		return []byte{0x91, StatusPermissionDenied}
	}

	sett := body[1:]
	if cs == CommEnciphered {
		plain := m.decipherInbound(body[1:])
		crcInput := append([]byte{insChangeFileSettings, body[0]}, plain[:3]...)
		if m.modern() {
			if !m.verifyInboundCRC(plain, 3, crcInput) {
				m.dropAuth()
				return []byte{0x91, StatusIntegrityError}
			}
		} else if !m.verifyInboundCRC(plain, 3, plain[:3]) {
			m.dropAuth()
			return []byte{0x91, StatusIntegrityError}
		}
		sett = plain[:3]
	}
	if len(sett) < 3 {
		return []byte{0x91, StatusLengthError}
	}
	f.comm, f.ar1, f.ar2 = sett[0], sett[1], sett[2]
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) createDataFile(ins byte, body []byte) []byte {
	if len(body) != 7 {
		return []byte{0x91, StatusLengthError}
	}
	if m.app().files[body[0]] != nil {
		return []byte{0x91, StatusDuplicateError}
	}
	size := int(body[4]) | int(body[5])<<8 | int(body[6])<<16
	f := &mockFile{ftype: FileTypeStandardData, comm: body[1], ar1: body[2], ar2: body[3]}
	f.data = make([]byte, size)
	if ins == insCreateBackupDataFile {
		f.ftype = FileTypeBackupData
		f.shadow = make([]byte, size)
	}
	m.app().files[body[0]] = f
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) createValueFile(body []byte) []byte {
	if len(body) != 17 {
		return []byte{0x91, StatusLengthError}
	}
	if m.app().files[body[0]] != nil {
		return []byte{0x91, StatusDuplicateError}
	}
	f := &mockFile{ftype: FileTypeValue, comm: body[1], ar1: body[2], ar2: body[3]}
	f.lower = int32FromLE(body[4:8])
	f.upper = int32FromLE(body[8:12])
	f.value = int32FromLE(body[12:16])
	f.limited = body[16] != 0
	f.staged = f.value
	m.app().files[body[0]] = f
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) createRecordFile(ins byte, body []byte) []byte {
	if len(body) != 10 {
		return []byte{0x91, StatusLengthError}
	}
	if m.app().files[body[0]] != nil {
		return []byte{0x91, StatusDuplicateError}
	}
	f := &mockFile{ftype: FileTypeLinearRecord, comm: body[1], ar1: body[2], ar2: body[3]}
	f.recSize = int(body[4]) | int(body[5])<<8 | int(body[6])<<16
	f.maxRecs = int(body[7]) | int(body[8])<<8 | int(body[9])<<16
	if ins == insCreateCyclicRecordFile {
		f.ftype = FileTypeCyclicRecord
	}
	m.app().files[body[0]] = f
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) deleteFile(body []byte) []byte {
	if len(body) != 1 {
		return []byte{0x91, StatusLengthError}
	}
	if m.app().files[body[0]] == nil {
		return []byte{0x91, StatusFileNotFound}
	}
	delete(m.app().files, body[0])
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) readData(body []byte) []byte {
	if len(body) != 7 {
		return []byte{0x91, StatusLengthError}
	}
	f := m.app().files[body[0]]
	if f == nil {
		return []byte{0x91, StatusFileNotFound}
	}
	cs, ok := m.resolveMode(f, catRead)
	if !ok {
		return []byte{0x91, StatusPermissionDenied}
	}
	offset := int(body[1]) | int(body[2])<<8 | int(body[3])<<16
	length := int(body[4]) | int(body[5])<<8 | int(body[6])<<16
	if length == 0 {
		length = len(f.data) - offset
	}
	if offset+length > len(f.data) {
		return []byte{0x91, StatusBoundaryError}
	}
	return m.respond(cs, f.data[offset:offset+length])
}

func (m *mockPICC) readRecords(body []byte) []byte {
	if len(body) != 7 {
		return []byte{0x91, StatusLengthError}
	}
	f := m.app().files[body[0]]
	if f == nil {
		return []byte{0x91, StatusFileNotFound}
	}
	cs, ok := m.resolveMode(f, catRead)
	if !ok {
		return []byte{0x91, StatusPermissionDenied}
	}
	offset := int(body[1]) | int(body[2])<<8 | int(body[3])<<16
	count := int(body[4]) | int(body[5])<<8 | int(body[6])<<16

	avail := len(f.records) - offset
	if avail <= 0 {
		return []byte{0x91, StatusBoundaryError}
	}
	if count == 0 {
		count = avail
	}
	if count > avail {
		return []byte{0x91, StatusBoundaryError}
	}
	var out []byte
	for _, r := range f.records[avail-count : avail] {
		out = append(out, r...)
	}
	return m.respond(cs, out)
}

func (m *mockPICC) getValue(body []byte) []byte {
	if len(body) != 1 {
		return []byte{0x91, StatusLengthError}
	}
	f := m.app().files[body[0]]
	if f == nil || f.ftype != FileTypeValue {
		return []byte{0x91, StatusFileNotFound}
	}
	cs, ok := m.resolveMode(f, catValue)
	if !ok {
		return []byte{0x91, StatusPermissionDenied}
	}
	return m.respond(cs, appendInt32(nil, f.value))
}

func (m *mockPICC) valueOp(ins byte, body []byte) []byte {
	if len(body) < 5 {
		return []byte{0x91, StatusLengthError}
	}
	f := m.app().files[body[0]]
	if f == nil || f.ftype != FileTypeValue {
		return []byte{0x91, StatusFileNotFound}
	}
	cs, ok := m.resolveMode(f, catValue)
	if !ok {
		return []byte{0x91, StatusPermissionDenied}
	}

	var amount int32
	switch cs {
	case CommEnciphered:
		plain := m.decipherInbound(body[1:])
		crcInput := append([]byte{ins, body[0]}, plain[:4]...)
		if m.modern() {
			if !m.verifyInboundCRC(plain, 4, crcInput) {
				m.dropAuth()
				return []byte{0x91, StatusIntegrityError}
			}
		} else if !m.verifyInboundCRC(plain, 4, plain[:4]) {
			m.dropAuth()
			return []byte{0x91, StatusIntegrityError}
		}
		amount = int32FromLE(plain[:4])
	default:
		amount = int32FromLE(body[1:5])
	}
	if amount < 0 {
		return []byte{0x91, StatusParameterError}
	}

	switch ins {
	case insCredit, insLimitedCredit:
		if f.staged+amount > f.upper {
			return []byte{0x91, StatusBoundaryError}
		}
		f.staged += amount
	case insDebit:
		if f.staged-amount < f.lower {
			return []byte{0x91, StatusBoundaryError}
		}
		f.staged -= amount
	}
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) clearRecordFile(body []byte) []byte {
	if len(body) != 1 {
		return []byte{0x91, StatusLengthError}
	}
	f := m.app().files[body[0]]
	if f == nil {
		return []byte{0x91, StatusFileNotFound}
	}
	f.clearPending = true
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) commitTransaction() []byte {
	for _, f := range m.app().files {
		switch f.ftype {
		case FileTypeValue:
			f.value = f.staged
		case FileTypeBackupData:
			copy(f.data, f.shadow)
		case FileTypeLinearRecord, FileTypeCyclicRecord:
			if f.clearPending {
				f.records = nil
				f.clearPending = false
			}
			if f.pendingRecord != nil {
				if f.ftype == FileTypeCyclicRecord && len(f.records) == f.usableRecords() {
					f.records = f.records[1:]
				}
				f.records = append(f.records, f.pendingRecord)
				f.pendingRecord = nil
			}
		}
	}
	return m.respond(CommPlain, nil)
}

func (m *mockPICC) abortTransaction() []byte {
	for _, f := range m.app().files {
		switch f.ftype {
		case FileTypeValue:
			f.staged = f.value
		case FileTypeBackupData:
			copy(f.shadow, f.data)
		case FileTypeLinearRecord, FileTypeCyclicRecord:
			f.pendingRecord = nil
			f.clearPending = false
		}
	}
	return m.respond(CommPlain, nil)
}

// --- write chaining ---------------------------------------------------

// writeStart receives the first frame of a write. The 7 header bytes are
// always in clear, so the card can size the complete transfer and answer
// ADDITIONAL_FRAME until it all arrived.
func (m *mockPICC) writeStart(ins byte, body []byte) []byte {
	if len(body) < 7 {
		return []byte{0x91, StatusLengthError}
	}
	f := m.app().files[body[0]]
	if f == nil {
		return []byte{0x91, StatusFileNotFound}
	}
	cs, ok := m.resolveMode(f, catWrite)
	if !ok {
		return []byte{0x91, StatusPermissionDenied}
	}

	dataLen := int(body[4]) | int(body[5])<<8 | int(body[6])<<16
	expected := 7
	switch cs {
	case CommPlain:
		expected += dataLen
	case CommMACed:
		if m.modern() {
			expected += dataLen + 8
		} else {
			expected += dataLen + 4
		}
	case CommEnciphered:
		crcLen := 2
		if m.modern() {
			crcLen = 4
		}
		bs := m.sessKtype.BlockSize()
		expected += (dataLen + crcLen + bs - 1) / bs * bs
	}

	m.write = &pendingWrite{ins: ins, expected: expected, body: append([]byte{}, body...)}
	return m.writeContinue()
}

func (m *mockPICC) writeFrame(body []byte) []byte {
	m.write.body = append(m.write.body, body...)
	return m.writeContinue()
}

func (m *mockPICC) writeContinue() []byte {
	w := m.write
	if len(w.body) < w.expected {
		return []byte{0x91, StatusAdditionalFrame}
	}
	m.write = nil
	return m.applyWrite(w.ins, w.body)
}

func (m *mockPICC) applyWrite(ins byte, body []byte) []byte {
	f := m.app().files[body[0]]
	cs, _ := m.resolveMode(f, catWrite)
	offset := int(body[1]) | int(body[2])<<8 | int(body[3])<<16
	dataLen := int(body[4]) | int(body[5])<<8 | int(body[6])<<16

	var data []byte
	switch cs {
	case CommPlain:
		data = body[7:]
		if m.modern() {
			block := append([]byte{ins}, body...)
			cmac, _ := sessionCMAC(m.sessKtype, m.sessKey, m.sessIV, block)
			m.sessIV = cmac
		}
	case CommMACed:
		macLen := 4
		if m.modern() {
			macLen = 8
		}
		data = body[7 : len(body)-macLen]
		mac := body[len(body)-macLen:]
		if m.modern() {
			block := append([]byte{ins}, body[:len(body)-macLen]...)
			cmac, _ := sessionCMAC(m.sessKtype, m.sessKey, m.sessIV, block)
			m.sessIV = cmac
			if !bytes.Equal(mac, cmac[:8]) {
				m.dropAuth()
				return []byte{0x91, StatusIntegrityError}
			}
		} else {
			want, _ := retailMAC(m.sessKey, data)
			if !bytes.Equal(mac, want) {
				m.dropAuth()
				return []byte{0x91, StatusIntegrityError}
			}
		}
	case CommEnciphered:
		plain := m.decipherInbound(body[7:])
		crcInput := append([]byte{ins}, body[:7]...)
		crcInput = append(crcInput, plain[:dataLen]...)
		if m.modern() {
			if !m.verifyInboundCRC(plain, dataLen, crcInput) {
				m.dropAuth()
				return []byte{0x91, StatusIntegrityError}
			}
		} else if !m.verifyInboundCRC(plain, dataLen, plain[:dataLen]) {
			m.dropAuth()
			return []byte{0x91, StatusIntegrityError}
		}
		data = plain[:dataLen]
	}
	if len(data) < dataLen {
		return []byte{0x91, StatusLengthError}
	}
	data = data[:dataLen]

	switch f.ftype {
	case FileTypeStandardData:
		if offset+dataLen > len(f.data) {
			return []byte{0x91, StatusBoundaryError}
		}
		copy(f.data[offset:], data)
	case FileTypeBackupData:
		if offset+dataLen > len(f.shadow) {
			return []byte{0x91, StatusBoundaryError}
		}
		copy(f.shadow[offset:], data)
	case FileTypeLinearRecord, FileTypeCyclicRecord:
		if f.ftype == FileTypeLinearRecord && len(f.records) >= f.maxRecs && !f.clearPending {
			return []byte{0x91, StatusBoundaryError}
		}
		if offset+dataLen > f.recSize {
			return []byte{0x91, StatusBoundaryError}
		}
		if f.pendingRecord == nil {
			f.pendingRecord = make([]byte, f.recSize)
		}
		copy(f.pendingRecord[offset:], data)
	default:
		return []byte{0x91, StatusParameterError}
	}
	return m.respond(CommPlain, nil)
}

func int32FromLE(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
