package desfire

// Native DESFire command codes (the INS byte of the 0x90 wrapper).
const (
	// security level
	insAuthenticateLegacy byte = 0x0A // DES and 2K3DES
	insAuthenticate3K3DES byte = 0x1A
	insAuthenticateAES    byte = 0xAA
	insChangeKeySettings  byte = 0x54
	insChangeKey          byte = 0xC4
	insGetKeyVersion      byte = 0x64

	// PICC level
	insCreateApplication byte = 0xCA
	insDeleteApplication byte = 0xDA
	insGetApplicationIDs byte = 0x6A
	insFreeMemory        byte = 0x6E
	insGetDFNames        byte = 0x6D
	insGetKeySettings    byte = 0x45
	insSelectApplication byte = 0x5A
	insFormatPICC        byte = 0xFC
	insGetVersion        byte = 0x60
	insGetCardUID        byte = 0x51

	// application level
	insGetFileIDs             byte = 0x6F
	insGetFileSettings        byte = 0xF5
	insChangeFileSettings     byte = 0x5F
	insCreateStdDataFile      byte = 0xCD
	insCreateBackupDataFile   byte = 0xCB
	insCreateValueFile        byte = 0xCC
	insCreateLinearRecordFile byte = 0xC1
	insCreateCyclicRecordFile byte = 0xC0
	insDeleteFile             byte = 0xDF

	// file level
	insReadData          byte = 0xBD
	insWriteData         byte = 0x3D
	insGetValue          byte = 0x6C
	insCredit            byte = 0x0C
	insDebit             byte = 0xDC
	insLimitedCredit     byte = 0x1C
	insWriteRecord       byte = 0x3B
	insReadRecords       byte = 0xBB
	insClearRecordFile   byte = 0xEB
	insCommitTransaction byte = 0xC7
	insAbortTransaction  byte = 0xA7

	insAdditionalFrame byte = 0xAF
)
